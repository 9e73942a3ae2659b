package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ModelVehicle     = "units.vehicles"
	ModelLocation    = "site.location"
	ModelCamera      = "location.devices.anprfeed"
	ModelAccessLog   = "vehicle.anpr.log"
	LogTimeLayout    = "2006-01-02 15:04:05"
	remoteDateLayout = "2006-01-02"
)

// Domain is an Odoo search domain.
type Domain []interface{}

func (d Domain) And(field, op string, value interface{}) Domain {
	return append(d, []interface{}{field, op, value})
}

type SearchOptions struct {
	Fields []string
	Offset int
	Limit  int
	Order  string
}

// SearchRead decodes the matching records into out.
func (c *Client) SearchRead(ctx context.Context, model string, domain Domain, opts SearchOptions, out interface{}) error {
	if domain == nil {
		domain = Domain{}
	}
	fields := opts.Fields
	if len(fields) == 0 {
		fields = []string{"id", "name"}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	kwargs := map[string]interface{}{
		"domain": domain,
		"fields": fields,
		"offset": opts.Offset,
		"limit":  limit,
	}
	if opts.Order != "" {
		kwargs["order"] = opts.Order
	}
	raw, err := c.CallKW(ctx, model, "search_read", nil, kwargs)
	if err != nil {
		return err
	}
	return decode(raw, out)
}

func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string, out interface{}) error {
	if fields == nil {
		fields = []string{}
	}
	raw, err := c.CallKW(ctx, model, "read", []interface{}{ids}, map[string]interface{}{"fields": fields})
	if err != nil {
		return err
	}
	return decode(raw, out)
}

func (c *Client) Create(ctx context.Context, model string, values map[string]interface{}) (int64, error) {
	raw, err := c.CallKW(ctx, model, "create", []interface{}{values}, nil)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		// Newer servers answer a create with a list of ids.
		var ids []int64
		if err2 := json.Unmarshal(raw, &ids); err2 != nil || len(ids) == 0 {
			return 0, fmt.Errorf("unexpected create result %s: %w", string(raw), err)
		}
		id = ids[0]
	}
	return id, nil
}

func decode(raw json.RawMessage, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode odoo result: %w", err)
	}
	return nil
}

// Many2One is a relational value, sent as [id, "display name"] or false.
type Many2One struct {
	ID   int64
	Name string
}

func (m *Many2One) UnmarshalJSON(b []byte) error {
	*m = Many2One{}
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) > 0 {
			if err := json.Unmarshal(pair[0], &m.ID); err != nil {
				return err
			}
		}
		if len(pair) > 1 {
			_ = json.Unmarshal(pair[1], &m.Name)
		}
		return nil
	}
	return json.Unmarshal(b, &m.ID)
}

// IDPtr returns nil for an empty relation.
func (m Many2One) IDPtr() *int64 {
	if m.ID == 0 {
		return nil
	}
	id := m.ID
	return &id
}

// Text is a char field; Odoo sends false for an empty value.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// Date is a date field sent as "YYYY-MM-DD" or false.
type Date struct {
	Time *time.Time
}

func (d *Date) UnmarshalJSON(b []byte) error {
	d.Time = nil
	var s Text
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v := string(s)
	if len(v) > len(remoteDateLayout) {
		v = v[:len(remoteDateLayout)]
	}
	t, err := time.Parse(remoteDateLayout, v)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", string(s), err)
	}
	d.Time = &t
	return nil
}

type RemoteVehicle struct {
	ID            int64    `json:"id"`
	VehicleNumber Text     `json:"vehicle_number"`
	IUNumber      Text     `json:"iunumber"`
	Unit          Many2One `json:"unit_id"`
	Name          Text     `json:"name"`
	ValidFrom     Date     `json:"validfrom"`
	ValidTo       Date     `json:"validto"`
	Active        bool     `json:"active"`
}

type RemoteLocation struct {
	ID              int64    `json:"id"`
	Site            Many2One `json:"site_id"`
	Name            Text     `json:"name"`
	Code            Text     `json:"code"`
	CameraIPAddress Text     `json:"camera_ip_address"`
	Parent          Many2One `json:"parent_id"`
	Active          bool     `json:"active"`
}

type RemoteCamera struct {
	ID          int64    `json:"id"`
	Location    Many2One `json:"location_id"`
	Site        Many2One `json:"site_id"`
	Name        Text     `json:"name"`
	RegCode     Text     `json:"reg_code"`
	RegPassword Text     `json:"reg_password"`
	Active      bool     `json:"active"`
}

func activeSiteDomain(siteID int64) Domain {
	d := Domain{}.And("active", "=", true)
	if siteID != 0 {
		d = d.And("site_id", "=", siteID)
	}
	return d
}

func (c *Client) GetVehicles(ctx context.Context, siteID int64, limit int) ([]RemoteVehicle, error) {
	var out []RemoteVehicle
	err := c.SearchRead(ctx, ModelVehicle, activeSiteDomain(siteID), SearchOptions{
		Fields: []string{"id", "vehicle_number", "iunumber", "unit_id", "name", "validfrom", "validto", "active"},
		Limit:  limit,
	}, &out)
	return out, err
}

func (c *Client) GetLocations(ctx context.Context, siteID int64) ([]RemoteLocation, error) {
	var out []RemoteLocation
	err := c.SearchRead(ctx, ModelLocation, activeSiteDomain(siteID), SearchOptions{
		Fields: []string{"id", "site_id", "name", "code", "camera_ip_address", "parent_id", "active"},
		Limit:  500,
	}, &out)
	return out, err
}

func (c *Client) GetCameras(ctx context.Context, siteID int64) ([]RemoteCamera, error) {
	var out []RemoteCamera
	err := c.SearchRead(ctx, ModelCamera, activeSiteDomain(siteID), SearchOptions{
		Fields: []string{"id", "location_id", "site_id", "name", "reg_code", "reg_password", "active"},
		Limit:  500,
	}, &out)
	return out, err
}

// AccessLogValues is one vehicle.anpr.log record. SiteID is required by the
// remote model.
type AccessLogValues struct {
	Plate           string
	LoggedAt        time.Time
	SiteID          int64
	LocationID      *int64
	PlateImageURL   string
	VehicleImageURL string
	UnitID          *int64
	IUNumber        string
}

func (v AccessLogValues) fields() map[string]interface{} {
	m := map[string]interface{}{
		"name":    v.Plate,
		"logtime": v.LoggedAt.UTC().Format(LogTimeLayout),
		"site_id": v.SiteID,
	}
	if v.LocationID != nil && *v.LocationID != 0 {
		m["location_id"] = *v.LocationID
	}
	if v.PlateImageURL != "" {
		m["plate_image_url"] = v.PlateImageURL
	}
	if v.VehicleImageURL != "" {
		m["vehicle_image_url"] = v.VehicleImageURL
	}
	if v.IUNumber != "" {
		m["iunumber"] = v.IUNumber
	}
	if v.UnitID != nil && *v.UnitID != 0 {
		m["unit_id"] = *v.UnitID
	}
	return m
}

func (c *Client) CreateAccessLog(ctx context.Context, v AccessLogValues) (int64, error) {
	if v.SiteID == 0 {
		return 0, fmt.Errorf("site_id is required for %s", ModelAccessLog)
	}
	return c.Create(ctx, ModelAccessLog, v.fields())
}
