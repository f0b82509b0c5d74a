package storage

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
)

var (
	markFill   = color.NRGBA{R: 255, G: 255, B: 255, A: 140}
	markStroke = color.NRGBA{R: 20, G: 20, B: 20, A: 160}
)

// Watermark stamps a translucent badge in the bottom right corner and
// re-encodes as PNG. Formats the decoder does not know are returned
// unchanged with ok false.
func Watermark(data []byte) (out []byte, ok bool) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, false
	}
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	w := max(b.Dx()/6, 8)
	h := max(b.Dy()/28, 4)
	margin := max(b.Dx()/60, 2)
	badge := image.Rect(b.Max.X-margin-w, b.Max.Y-margin-h, b.Max.X-margin, b.Max.Y-margin).Intersect(b)
	draw.Draw(dst, badge, image.NewUniform(markFill), image.Point{}, draw.Over)

	stroke := max(h/5, 1)
	inner := image.Rect(badge.Min.X+stroke, badge.Min.Y+h/2-stroke/2, badge.Max.X-stroke, badge.Min.Y+h/2-stroke/2+stroke).Intersect(badge)
	draw.Draw(dst, inner, image.NewUniform(markStroke), image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return data, false
	}
	return buf.Bytes(), true
}
