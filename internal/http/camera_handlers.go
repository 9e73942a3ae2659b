package http

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/ingest"
)

const (
	maxBodyBytes      = 16 << 20
	maxMultipartBytes = 32 << 20
)

// readIngestRequest strips the transport from a camera request.
func readIngestRequest(c *gin.Context) (ingest.Request, error) {
	req := ingest.Request{Fields: make(map[string]string)}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMultipartBytes)

	switch ct := c.ContentType(); {
	case strings.HasPrefix(ct, "multipart/"):
		form, err := c.MultipartForm()
		if err != nil {
			return req, fmt.Errorf("invalid multipart body: %w", err)
		}
		for field, values := range form.Value {
			if len(values) == 0 {
				continue
			}
			if strings.HasSuffix(strings.ToLower(field), ".xml") {
				req.Parts = append(req.Parts, ingest.Part{Field: field, Filename: field, Data: []byte(values[0])})
				continue
			}
			req.Fields[field] = values[0]
		}
		for field, files := range form.File {
			for _, fh := range files {
				data, err := readPart(fh)
				if err != nil {
					return req, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
				}
				name := fh.Filename
				if name == "" {
					name = field
				}
				req.Parts = append(req.Parts, ingest.Part{Field: field, Filename: name, Data: data})
			}
		}
	case ct == "application/x-www-form-urlencoded":
		if err := c.Request.ParseForm(); err != nil {
			return req, fmt.Errorf("invalid form body: %w", err)
		}
		for field, values := range c.Request.PostForm {
			if len(values) > 0 {
				req.Fields[field] = values[0]
			}
		}
	default:
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			return req, fmt.Errorf("failed to read body: %w", err)
		}
		if ct == "application/json" {
			fields, err := ingest.FieldsFromJSON(body)
			if err != nil {
				return req, fmt.Errorf("invalid json body: %w", err)
			}
			req.Fields = fields
		} else {
			req.Body = body
		}
	}

	for key, values := range c.Request.URL.Query() {
		if _, ok := req.Fields[key]; !ok && len(values) > 0 {
			req.Fields[key] = values[0]
		}
	}
	return req, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// cameraFeed serves the Hikvision-style push endpoints. The reg code and
// password come from the path or the query.
func (h *Handler) cameraFeed(c *gin.Context) {
	req, err := readIngestRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	cam := anpr.CameraRef{
		RegCode:  firstNonEmpty(c.Param("code"), c.Query("code"), c.Query("reg_code")),
		Password: firstNonEmpty(c.Param("password"), c.Query("password")),
		IP:       c.ClientIP(),
	}
	h.process(c, req, cam, false)
}

func (h *Handler) genericEvent(c *gin.Context) {
	req, err := readIngestRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	cam := anpr.CameraRef{
		RegCode:  firstNonEmpty(req.Fields["reg_code"], req.Fields["regCode"]),
		Password: firstNonEmpty(req.Fields["reg_password"], req.Fields["regPassword"]),
		IP:       c.ClientIP(),
	}
	h.process(c, req, cam, false)
}

// testEvent simulates a detection, defaulting the plate to TEST123.
func (h *Handler) testEvent(c *gin.Context) {
	plate := firstNonEmpty(c.Query("plate"), c.PostForm("plate"), "TEST123")
	req := ingest.Request{Fields: map[string]string{"plate": plate}}
	cam := anpr.CameraRef{
		RegCode: firstNonEmpty(c.Query("reg_code"), c.PostForm("reg_code")),
		IP:      c.ClientIP(),
	}
	h.process(c, req, cam, true)
}

func (h *Handler) process(c *gin.Context, req ingest.Request, cam anpr.CameraRef, test bool) {
	det, err := h.normalizer.Normalize(req)
	if err != nil {
		h.log.Warn().Err(err).Str("camera_ip", cam.IP).Str("reg_code", cam.RegCode).Msg("rejected camera payload")
		h.handleError(c, err)
		return
	}

	result, err := h.gate.ProcessDetection(c.Request.Context(), det, cam)
	if err != nil {
		h.handleError(c, err)
		return
	}

	resp := gin.H{
		"success":        true,
		"plate":          result.Plate,
		"access_granted": result.AccessGranted,
		"vehicle_type":   result.VehicleType,
		"log_id":         result.LogID,
		"location_id":    result.LocationID,
		"camera_name":    result.CameraName,
	}
	if test {
		resp["relay_channels"] = result.Channels
		resp["test"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) heartbeat(c *gin.Context) {
	regCode := firstNonEmpty(c.Param("reg_code"), c.Query("reg_code"), c.Query("code"))
	hb, err := h.gate.Heartbeat(c.Request.Context(), regCode)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"camera_name": hb.CameraName,
		"reg_code":    hb.RegCode,
		"timestamp":   hb.Timestamp,
	})
}
