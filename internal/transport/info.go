package transport

import (
	"github.com/UnendingLoop/ArchiveIIIF/internal/canon"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

const (
	iiifContext     = "http://iiif.io/api/image/3/context.json"
	infoContentType = `application/ld+json;profile="` + iiifContext + `"`
	tileSize        = 512
)

type tile struct {
	Width        int   `json:"width"`
	ScaleFactors []int `json:"scaleFactors"`
}

// infoDocument - IIIF Image API 3.0 info.json
type infoDocument struct {
	Context          string   `json:"@context"`
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Protocol         string   `json:"protocol"`
	Profile          string   `json:"profile"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	MaxWidth         int      `json:"maxWidth,omitempty"`
	MaxHeight        int      `json:"maxHeight,omitempty"`
	MaxArea          int64    `json:"maxArea,omitempty"`
	Tiles            []tile   `json:"tiles"`
	PreferredFormats []string `json:"preferredFormats"`
	ExtraFormats     []string `json:"extraFormats"`
	ExtraQualities   []string `json:"extraQualities"`
	ExtraFeatures    []string `json:"extraFeatures"`
}

func newInfoDocument(id string, info model.ExposureInfo, lim canon.Limits) infoDocument {
	features := []string{"mirroring", "rotationArbitrary", "regionSquare", "sizeByWh"}
	if lim.AllowUpscale {
		features = append(features, "sizeUpscaling")
	}
	return infoDocument{
		Context:          iiifContext,
		ID:               id,
		Type:             "ImageService3",
		Protocol:         "http://iiif.io/api/image",
		Profile:          "level1",
		Width:            info.Width,
		Height:           info.Height,
		MaxWidth:         lim.MaxWidth,
		MaxHeight:        lim.MaxHeight,
		MaxArea:          lim.MaxArea,
		Tiles:            []tile{{Width: tileSize, ScaleFactors: scaleFactors(info.Width, info.Height)}},
		PreferredFormats: []string{string(model.FormatJPG), string(model.FormatPNG)},
		ExtraFormats:     []string{string(model.FormatPNG), string(model.FormatGIF), string(model.FormatTIF), string(model.FormatBMP)},
		ExtraQualities:   []string{string(model.QualityColor), string(model.QualityGray), string(model.QualityBitonal)},
		ExtraFeatures:    features,
	}
}

// scaleFactors - степени двойки, пока снимок целиком не влезет в один тайл
func scaleFactors(w, h int) []int {
	longest := max(w, h)
	factors := []int{1}
	for f := 1; longest > tileSize*f; {
		f *= 2
		factors = append(factors, f)
	}
	return factors
}
