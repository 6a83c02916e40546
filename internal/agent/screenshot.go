package agent

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/coreply/cooperate/api/schemas"
)

// encodeScreenshot resizes img by scale and encodes it as PNG. A unit or
// degenerate scale leaves the image untouched.
func encodeScreenshot(img image.Image, scale float64) (schemas.ImageContent, error) {
	b := img.Bounds()
	out := img
	if scale > 0 && scale != 1.0 && b.Dx() > 0 && b.Dy() > 0 {
		w := max(1, int(math.Round(float64(b.Dx())*scale)))
		h := max(1, int(math.Round(float64(b.Dy())*scale)))
		out = imaging.Resize(img, w, h, imaging.Linear)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return schemas.ImageContent{}, fmt.Errorf("failed to encode screenshot: %w", err)
	}
	ob := out.Bounds()
	return schemas.ImageContent{
		MIMEType: "image/png",
		Data:     buf.Bytes(),
		Width:    ob.Dx(),
		Height:   ob.Dy(),
	}, nil
}
