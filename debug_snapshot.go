// debug_snapshot.go - Text-mode screen capture for headless runs
//
// Renders the 80x25 colour text buffer at 0xB8000 with the basic 7x13 font.
// The capture reads guest memory through the bus, so whatever device backs
// the legacy video window is what gets drawn.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	textBase  = 0xB8000
	textCols  = 80
	textRows  = 25
	cellW     = 8
	cellH     = 14
	cellAscnt = 11
)

// textPalette is the 16 colour CGA palette.
var textPalette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xFF}, {0x00, 0x00, 0xAA, 0xFF}, {0x00, 0xAA, 0x00, 0xFF}, {0x00, 0xAA, 0xAA, 0xFF},
	{0xAA, 0x00, 0x00, 0xFF}, {0xAA, 0x00, 0xAA, 0xFF}, {0xAA, 0x55, 0x00, 0xFF}, {0xAA, 0xAA, 0xAA, 0xFF},
	{0x55, 0x55, 0x55, 0xFF}, {0x55, 0x55, 0xFF, 0xFF}, {0x55, 0xFF, 0x55, 0xFF}, {0x55, 0xFF, 0xFF, 0xFF},
	{0xFF, 0x55, 0x55, 0xFF}, {0xFF, 0x55, 0xFF, 0xFF}, {0xFF, 0xFF, 0x55, 0xFF}, {0xFF, 0xFF, 0xFF, 0xFF},
}

// glyph maps a code page 437 byte to something the ASCII font can draw.
func glyph(ch uint8) string {
	switch {
	case ch >= 0x20 && ch < 0x7F:
		return string(rune(ch))
	case ch == 0xB3 || ch == 0xBA:
		return "|"
	case ch == 0xC4 || ch == 0xCD:
		return "-"
	case ch >= 0xB0 && ch <= 0xDF:
		return "+"
	}
	return " "
}

// TextScreen returns the text buffer as plain lines with trailing blanks
// trimmed.
func (m *Machine) TextScreen() []string {
	lines := make([]string, textRows)
	var sb strings.Builder
	for row := range textRows {
		sb.Reset()
		for col := range textCols {
			sb.WriteString(glyph(m.bus.Read8(textBase + uint32(row*textCols+col)*2)))
		}
		lines[row] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// RenderTextScreen draws the text buffer into a new image.
func (m *Machine) RenderTextScreen() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, textCols*cellW, textRows*cellH))
	d := font.Drawer{Dst: img, Face: basicfont.Face7x13}
	for row := range textRows {
		for col := range textCols {
			addr := textBase + uint32(row*textCols+col)*2
			ch, attr := m.bus.Read8(addr), m.bus.Read8(addr+1)
			cell := image.Rect(col*cellW, row*cellH, (col+1)*cellW, (row+1)*cellH)
			draw.Draw(img, cell, image.NewUniform(textPalette[attr>>4&7]), image.Point{}, draw.Src)
			g := glyph(ch)
			if g == " " {
				continue
			}
			d.Src = image.NewUniform(textPalette[attr&15])
			d.Dot = fixed.P(col*cellW, row*cellH+cellAscnt)
			d.DrawString(g)
		}
	}
	return img
}

// WriteTextScreen encodes the rendered screen to w as PNG.
func (m *Machine) WriteTextScreen(w io.Writer) error {
	return png.Encode(w, m.RenderTextScreen())
}

// SaveTextScreen writes the rendered screen to path. A .bmp extension selects
// BMP, anything else PNG.
func (m *Machine) SaveTextScreen(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	img := m.RenderTextScreen()
	if strings.EqualFold(filepath.Ext(path), ".bmp") {
		err = bmp.Encode(f, img)
	} else {
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	m.log.WithField("path", path).Info("text screen saved")
	return nil
}
