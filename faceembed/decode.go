package faceembed

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// maxImagePixels bounds the decoded size declared by an image header.
var maxImagePixels = 50_000_000

// DecodeImage decodes JPEG, PNG, GIF, BMP, TIFF or WebP data into an opaque
// RGB image with EXIF orientation applied. Alpha is dropped, not blended.
// Corrupt data, including data that makes a decoder panic, and images over
// maxImagePixels are reported as ErrInvalidImage.
func DecodeImage(data []byte) (out *image.NRGBA, err error) {
	if len(data) == 0 {
		return nil, ErrInvalidImage
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, ErrInvalidImage
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrInvalidImage
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxImagePixels) {
		return nil, ErrInvalidImage
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ErrInvalidImage
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrInvalidImage
	}

	out = imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out, nil
}
