// Package rasterimage decodes the raster formats a case folder may
// contain (.jpg, .jpeg, .png, .tif, .tiff) into a plain 8-bit RGB pixel
// buffer suitable for embedding in a DICOM Secondary Capture instance.
//
// Modeled on perkeep.org/pkg/images: register every supported decoder
// with a blank import and convert through image/draw rather than
// hand-rolling per-format pixel extraction.
package rasterimage

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/tiff"
)

// SupportedExts are the extensions the case classifier buckets as
// images (spec.md §3 CaseContents.imageFiles).
var SupportedExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true,
}

func IsSupported(path string) bool {
	return SupportedExts[strings.ToLower(filepath.Ext(path))]
}

// RGB is a decoded, row-major 24-bit RGB image ready to become
// PixelData: no alpha, no padding between rows.
type RGB struct {
	Rows, Columns int
	Pixels        []byte // len == Rows*Columns*3
}

// Decode loads path and converts it to 24-bit RGB, discarding alpha.
func Decode(path string) (*RGB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeReader(f)
}

func DecodeReader(r io.Reader) (*RGB, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("rasterimage: decode: %w", err)
	}

	bounds := src.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()

	rgba := image.NewRGBA(image.Rect(0, 0, cols, rows))
	draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)

	pixels := make([]byte, rows*cols*3)
	for y := 0; y < rows; y++ {
		srcRow := rgba.Pix[y*rgba.Stride : y*rgba.Stride+cols*4]
		dstRow := pixels[y*cols*3 : (y+1)*cols*3]
		for x := 0; x < cols; x++ {
			dstRow[x*3+0] = srcRow[x*4+0]
			dstRow[x*3+1] = srcRow[x*4+1]
			dstRow[x*3+2] = srcRow[x*4+2]
		}
	}

	return &RGB{Rows: rows, Columns: cols, Pixels: pixels}, nil
}
