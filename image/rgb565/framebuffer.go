package rgb565

import (
	"image"
	"image/color"
	"image/draw"
)

// Width and Height are the canonical (rotation 0) dimensions of an ILI9341
// framebuffer, in pixels.
const (
	Width  = 240
	Height = 320
	// NumPixels is the total pixel count of a canonical framebuffer.
	NumPixels = Width * Height
)

// Framebuffer is a densely packed 240x320 array of native-endian RGB565
// pixels, always stored in rotation-0 (canonical) orientation. It implements
// [draw.Image] so it can be filled with ordinary Go drawing code; rotation
// only affects how the diff and upload engines traverse it, never how it is
// stored.
type Framebuffer struct {
	Pix [NumPixels]uint16
}

func (fb *Framebuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

func (fb *Framebuffer) ColorModel() color.Model {
	return color.RGBAModel
}

func (fb *Framebuffer) At(x, y int) color.Color {
	if x < 0 || x >= Width || y < 0 || y >= Height {
		return color.RGBA{}
	}
	r, g, b := WordToRGB888(fb.Pix[y*Width+x])
	return color.RGBA{A: 0xff, R: r, G: g, B: b}
}

func (fb *Framebuffer) Set(x, y int, c color.Color) {
	if x < 0 || x >= Width || y < 0 || y >= Height {
		return
	}
	fb.Pix[y*Width+x] = colorToWord(c)
}

// Draw fills dr (intersected with the framebuffer bounds) from src using op,
// the way [Image.Draw] does for the byte-pair representation.
func (fb *Framebuffer) Draw(dr image.Rectangle, src image.Image, sp image.Point, op draw.Op) {
	dr = dr.Intersect(fb.Bounds())
	if uni, ok := src.(*image.Uniform); ok && (uni.Opaque() || op == draw.Src) {
		word := colorToWord(uni.C)
		for y := 0; y < dr.Dy(); y++ {
			row := fb.Pix[(dr.Min.Y+y)*Width+dr.Min.X : (dr.Min.Y+y)*Width+dr.Max.X]
			for x := range row {
				row[x] = word
			}
		}
		return
	}
	draw.Draw(fb, dr, src, sp, op)
}

// Fill sets every pixel to c, as used to build test fixtures and to
// implement a dummy full-screen diff source.
func (fb *Framebuffer) Fill(c uint16) {
	for i := range fb.Pix {
		fb.Pix[i] = c
	}
}

func colorToWord(c color.Color) uint16 {
	r, g, b, _ := c.RGBA()
	return RGB888ToWord(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// RGB888ToWord packs 8-bit components into a single native-endian RGB565 word.
func RGB888ToWord(r, g, b uint8) uint16 {
	return uint16(b)>>3 | uint16(g&0xfc)<<3 | uint16(r&0xf8)<<8
}

// WordToRGB888 unpacks a native-endian RGB565 word into 8-bit components.
func WordToRGB888(w uint16) (r, g, b uint8) {
	r = uint8(w>>8) & 0xf8
	r |= r >> 5
	g = uint8(w>>3) & 0xfc
	g |= g >> 6
	b = uint8(w << 3)
	b |= b >> 5
	return
}
