package main

// Image preprocessing: decode, resize so the short side matches the
// target resolution, center crop to a square, and normalize with the
// CLIP RGB statistics. The result is a (3, size, size) CHW tensor ready
// for the vision tower.

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	xdraw "golang.org/x/image/draw"
)

// CLIP's pixel normalization statistics, per RGB channel.
var (
	clipMean = [3]float64{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float64{0.26862954, 0.26130258, 0.27577711}
)

// LoadImageTensor decodes an image file and preprocesses it to a
// (3, size, size) tensor.
func LoadImageTensor(path string, size int) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("image: failed to decode %s: %w", path, err)
	}

	return PreprocessImage(img, size), nil
}

// PreprocessImage resizes, center-crops, and normalizes a decoded image.
func PreprocessImage(img image.Image, size int) *Tensor {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Scale the short side to size, keeping aspect ratio.
	var scaledW, scaledH int
	if w < h {
		scaledW = size
		scaledH = (h*size + w/2) / w
	} else {
		scaledH = size
		scaledW = (w*size + h/2) / h
	}
	if scaledW < size {
		scaledW = size
	}
	if scaledH < size {
		scaledH = size
	}

	scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Src, nil)

	// Center crop.
	offX := (scaledW - size) / 2
	offY := (scaledH - size) / 2

	out := NewTensor(3, size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := scaled.At(offX+x, offY+y).RGBA()
			// RGBA returns 16-bit channels.
			out.Set((float64(r)/65535.0-clipMean[0])/clipStd[0], 0, y, x)
			out.Set((float64(g)/65535.0-clipMean[1])/clipStd[1], 1, y, x)
			out.Set((float64(b)/65535.0-clipMean[2])/clipStd[2], 2, y, x)
		}
	}

	return out
}
