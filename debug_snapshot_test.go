// debug_snapshot_test.go - Text screen capture
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

// putText writes s at row, col with attribute attr.
func putText(m *Machine, row, col int, attr uint8, s string) {
	for i := 0; i < len(s); i++ {
		addr := textBase + uint32(row*textCols+col+i)*2
		m.bus.Write8(addr, s[i])
		m.bus.Write8(addr+1, attr)
	}
}

func TestSnapshot_TextScreen(t *testing.T) {
	m := newTestMachine(t)
	putText(m, 0, 0, 0x07, "Hello  ")
	putText(m, 2, 4, 0x07, "\xC4\xB3\xDB\x01!")

	lines := m.TextScreen()
	require.Len(t, lines, textRows)
	assert.Equal(t, "Hello", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, "    -|+ !", lines[2])
}

func TestSnapshot_Render(t *testing.T) {
	m := newTestMachine(t)
	putText(m, 0, 0, 0x1F, "H")

	img := m.RenderTextScreen()
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 350, img.Bounds().Dy())

	blue := textPalette[1]
	assert.Equal(t, blue, img.RGBAAt(7, 13), "cell background")
	assert.Equal(t, color.RGBA{0, 0, 0, 0xFF}, img.RGBAAt(8+7, 13), "blank cell")

	white := 0
	for y := 0; y < cellH; y++ {
		for x := 0; x < cellW; x++ {
			if img.RGBAAt(x, y) == textPalette[15] {
				white++
			}
		}
	}
	assert.NotZero(t, white, "glyph drawn in the foreground colour")
}

func TestSnapshot_WritePNG(t *testing.T) {
	m := newTestMachine(t)
	var buf bytes.Buffer
	require.NoError(t, m.WriteTextScreen(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, textCols*cellW, img.Bounds().Dx())
}

func TestSnapshot_SaveByExtension(t *testing.T) {
	m := newTestMachine(t)
	putText(m, 0, 0, 0x07, "C:\\>")
	dir := t.TempDir()

	bmpPath := filepath.Join(dir, "screen.BMP")
	require.NoError(t, m.SaveTextScreen(bmpPath))
	f, err := os.Open(bmpPath)
	require.NoError(t, err)
	defer f.Close()
	img, err := bmp.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, textRows*cellH, img.Bounds().Dy())

	pngPath := filepath.Join(dir, "screen.png")
	require.NoError(t, m.SaveTextScreen(pngPath))
	data, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	assert.Error(t, m.SaveTextScreen(filepath.Join(dir, "missing", "x.png")))
}
