// Package ingest turns heterogeneous camera payloads into a Detection.
package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/utils"
)

var ErrNoPlateDetected = errors.New("no plate number detected")

// PlateFields lists the flat field names that may carry the plate, in the
// order they are tried.
var PlateFields = []string{"plate", "number", "plateNumber", "licensePlate", "vehicleNo"}

// Part is one multipart file.
type Part struct {
	Field    string
	Filename string
	Data     []byte
}

// Request is a camera payload with transport details stripped.
type Request struct {
	Body   []byte
	Parts  []Part
	Fields map[string]string
}

type Normalizer struct {
	log zerolog.Logger
}

func NewNormalizer(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize extracts the plate and images from req. Raw XML bodies are tried
// first, then XML attachments, then flat fields.
func (n *Normalizer) Normalize(req Request) (*anpr.Detection, error) {
	det := &anpr.Detection{}

	if len(req.Parts) == 0 && looksLikeXML(req.Body) {
		plate, err := ScanPlate(req.Body)
		if err != nil {
			n.log.Warn().Err(err).Int("bytes", len(req.Body)).Msg("failed to parse request body as xml")
		}
		det.Plate = plate
	}

	for _, p := range req.Parts {
		name := strings.ToLower(p.Filename)
		switch {
		case strings.HasSuffix(name, ".xml"):
			if det.Plate != "" {
				continue
			}
			plate, err := ScanPlate(p.Data)
			if err != nil {
				n.log.Warn().Err(err).Str("filename", p.Filename).Msg("failed to parse xml attachment")
			}
			if plate == "" {
				plate = legacyPlate(p.Data)
				if plate != "" {
					n.log.Info().Str("plate", plate).Msg("plate found at legacy xml position")
				}
			}
			det.Plate = plate
		case isPlateImage(name):
			if len(p.Data) == 0 {
				continue
			}
			det.PlateImages = append(det.PlateImages, anpr.Image{Name: p.Filename, Data: p.Data})
			n.log.Info().Str("filename", p.Filename).Int("bytes", len(p.Data)).Msg("received plate image")
		case isVehicleImage(name):
			if len(p.Data) == 0 {
				continue
			}
			det.VehicleImages = append(det.VehicleImages, anpr.Image{Name: p.Filename, Data: p.Data})
			n.log.Info().Str("filename", p.Filename).Int("bytes", len(p.Data)).Msg("received vehicle image")
		default:
			n.log.Debug().Str("field", p.Field).Str("filename", p.Filename).Msg("ignoring attachment")
		}
	}

	if det.Plate == "" {
		for _, key := range PlateFields {
			if v := strings.TrimSpace(req.Fields[key]); v != "" {
				det.Plate = v
				break
			}
		}
	}

	det.Plate = utils.CleanPlate(det.Plate)
	if det.Plate == "" {
		return nil, ErrNoPlateDetected
	}

	if img, ok := decodeImage(req.Fields["plate_image"]); ok {
		det.PlateImages = append(det.PlateImages, anpr.Image{Name: "plate.jpg", Data: img})
	}
	if img, ok := decodeImage(req.Fields["vehicle_image"]); ok {
		det.VehicleImages = append(det.VehicleImages, anpr.Image{Name: "vehicle.jpg", Data: img})
	}

	return det, nil
}

// ScanPlate walks an XML document and returns the first non-empty
// licensePlate text, else the first non-empty originalLicensePlate. Names
// match case-insensitively and ignore namespaces.
func ScanPlate(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = passthroughCharset

	var original string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return original, nil
		}
		if err != nil {
			return original, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		local := se.Name.Local
		switch {
		case strings.EqualFold(local, "licensePlate"):
			var text string
			if err := dec.DecodeElement(&text, &se); err != nil {
				return original, err
			}
			if text = strings.TrimSpace(text); text != "" {
				return text, nil
			}
		case original == "" && strings.EqualFold(local, "originalLicensePlate"):
			var text string
			if err := dec.DecodeElement(&text, &se); err != nil {
				return original, err
			}
			original = strings.TrimSpace(text)
		}
	}
}

// FieldsFromJSON flattens a JSON object into string fields. Non-string
// scalars are rendered with their JSON text; nested values are skipped.
func FieldsFromJSON(raw []byte) (map[string]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		text := strings.TrimSpace(string(v))
		if text == "null" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
			continue
		}
		out[k] = text
	}
	return out, nil
}

func looksLikeXML(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("<"))
}

func isPlateImage(name string) bool {
	return strings.HasPrefix(name, "licenseplatepicture") && strings.HasSuffix(name, ".jpg")
}

func isVehicleImage(name string) bool {
	if !strings.HasSuffix(name, ".jpg") {
		return false
	}
	return strings.HasPrefix(name, "detectionpicture") || strings.HasPrefix(name, "pedestriandetectionpicture")
}

func decodeImage(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Cameras occasionally declare encodings the decoder does not know; the
// plate text is ASCII either way.
func passthroughCharset(_ string, input io.Reader) (io.Reader, error) {
	return input, nil
}
