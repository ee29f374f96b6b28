package transport

import (
	"github.com/Overworldai/Biome/internal/engine"
	"github.com/Overworldai/Biome/internal/imageutil"
)

// DefaultJPEGQuality matches the reference configuration's frame encode
// quality, trading fidelity for bandwidth on a per-tick stream.
const DefaultJPEGQuality = 80

func encodeFrameJPEG(f engine.Frame, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return imageutil.EncodeJPEG(f.Width, f.Height, f.Pixels, quality)
}

// LoadSeedFrame decodes the image at path and resamples it to the
// engine's native frame resolution, implementing session.SeedLoader.
func LoadSeedFrame(path string) (engine.Frame, error) {
	img, err := imageutil.DecodeFile(path)
	if err != nil {
		return engine.Frame{}, err
	}
	flattened := imageutil.ResizeAndFlatten(img, engine.FrameWidth, engine.FrameHeight)
	return engine.Frame{
		Width:  engine.FrameWidth,
		Height: engine.FrameHeight,
		Pixels: imageutil.ToRGBBytes(flattened),
	}, nil
}
