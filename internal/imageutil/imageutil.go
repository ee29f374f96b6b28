// Package imageutil provides the image decode, bilinear resample, and JPEG
// encode helpers the seed and frame pipelines need. image/jpeg and
// image/png are registered with the image package's decoder registry via
// blank import.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/webp"
)

// DecodeFile loads and decodes the image at path, whatever its registered
// format (PNG, JPEG, or WEBP).
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageutil: decode %s: %w", path, err)
	}
	return img, nil
}

// ResizeBilinear resamples src to exactly width x height using bilinear
// interpolation over the source's RGBA values.
func ResizeBilinear(src image.Image, width, height int) *image.RGBA {
	bounds := src.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	if sw == 0 || sh == 0 {
		return dst
	}

	xRatio := float64(sw) / float64(width)
	yRatio := float64(sh) / float64(height)

	for y := 0; y < height; y++ {
		srcY := (float64(y) + 0.5) * yRatio - 0.5
		y0 := clampInt(int(srcY), 0, sh-1)
		y1 := clampInt(y0+1, 0, sh-1)
		fy := srcY - float64(y0)

		for x := 0; x < width; x++ {
			srcX := (float64(x) + 0.5) * xRatio - 0.5
			x0 := clampInt(int(srcX), 0, sw-1)
			x1 := clampInt(x0+1, 0, sw-1)
			fx := srcX - float64(x0)

			c00 := rgbaAt(src, bounds.Min.X+x0, bounds.Min.Y+y0)
			c10 := rgbaAt(src, bounds.Min.X+x1, bounds.Min.Y+y0)
			c01 := rgbaAt(src, bounds.Min.X+x0, bounds.Min.Y+y1)
			c11 := rgbaAt(src, bounds.Min.X+x1, bounds.Min.Y+y1)

			dst.Set(x, y, bilerp(c00, c10, c01, c11, fx, fy))
		}
	}
	return dst
}

func rgbaAt(img image.Image, x, y int) [4]float64 {
	r, g, b, a := img.At(x, y).RGBA()
	return [4]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8), float64(a >> 8)}
}

func bilerp(c00, c10, c01, c11 [4]float64, fx, fy float64) color.RGBA {
	var out [4]float64
	for i := 0; i < 4; i++ {
		top := c00[i]*(1-fx) + c10[i]*fx
		bottom := c01[i]*(1-fx) + c11[i]*fx
		out[i] = top*(1-fy) + bottom*fy
	}
	return color.RGBA{R: uint8(out[0]), G: uint8(out[1]), B: uint8(out[2]), A: uint8(out[3])}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ToRGBBytes flattens an RGBA image into row-major 8-bit RGB triples,
// dropping alpha, as required by the engine's frame tensor format.
func ToRGBBytes(img *image.RGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)
			out = append(out, c.R, c.G, c.B)
		}
	}
	return out
}

// EncodeJPEG encodes an H x W x 3 RGB byte slice as a JPEG.
func EncodeJPEG(width, height int, rgb []byte, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			img.SetRGBA(x, y, color.RGBA{R: rgb[i], G: rgb[i+1], B: rgb[i+2], A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FlattenToWhite alpha-composites src onto an opaque white background of
// src's own bounds. JPEG has no alpha channel, so any PNG or WEBP seed
// with transparency must be flattened before it reaches either the engine
// or the client, never silently dropped to black.
func FlattenToWhite(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	white := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(white, white.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(white, white.Bounds(), src, bounds.Min, draw.Over)
	return white
}

// ResizeAndFlatten resamples src to width x height and alpha-composites
// the result onto white, the shared pipeline behind both seed ingestion
// (full engine resolution) and thumbnail generation (80x80).
func ResizeAndFlatten(src image.Image, width, height int) *image.RGBA {
	return FlattenToWhite(ResizeBilinear(src, width, height))
}

// Thumbnail resizes src to width x height and alpha-composites it onto a
// white background, returning a JPEG-encodable opaque image.
func Thumbnail(src image.Image, width, height int) *image.RGBA {
	return ResizeAndFlatten(src, width, height)
}
