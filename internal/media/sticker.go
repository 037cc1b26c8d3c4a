package media

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"io"

	webp "github.com/nickalie/go-webpbin"
	"github.com/sunshineplan/imgconv"
)

// StickerSize is the edge length WhatsApp expects for stickers.
const StickerSize = 512

// encodeWebP shells out to cwebp; replaced in tests.
var encodeWebP func(io.Writer, image.Image) error = webp.Encode

// StickerToImage decodes a sticker (or any image) and renders it as PNG.
// With upscale the image is fitted into a transparent targetSize square.
func StickerToImage(data []byte, upscale bool, targetSize int) ([]byte, error) {
	img, err := imgconv.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode sticker: %w", err)
	}
	if upscale {
		if targetSize <= 0 {
			targetSize = StickerSize
		}
		img = contain(img, targetSize)
	}

	var buf bytes.Buffer
	if err := imgconv.Write(&buf, img, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageToSticker fits an image into a 512x512 transparent square and encodes
// it as webp.
func ImageToSticker(data []byte) ([]byte, error) {
	img, err := imgconv.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeWebP(&buf, contain(img, StickerSize)); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// contain scales img to fit a size x size square, keeping the aspect ratio,
// and centres it on a transparent canvas.
func contain(img image.Image, size int) image.Image {
	b := img.Bounds()
	opt := &imgconv.ResizeOption{Width: size}
	if b.Dy() > b.Dx() {
		opt = &imgconv.ResizeOption{Height: size}
	}
	scaled := imgconv.Resize(img, opt)

	sb := scaled.Bounds()
	canvas := image.NewNRGBA(image.Rect(0, 0, size, size))
	offset := image.Pt((size-sb.Dx())/2, (size-sb.Dy())/2)
	draw.Draw(canvas, sb.Sub(sb.Min).Add(offset), scaled, sb.Min, draw.Over)
	return canvas
}
