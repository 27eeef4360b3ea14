package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// RequestType discriminates the params variant carried by a request.
type RequestType string

const (
	RequestTypeCheckFile RequestType = "check_file"
	RequestTypeCheckURL  RequestType = "check_url"
	RequestTypeAddData   RequestType = "add_data"
)

// RequestStatus represents the lifecycle state of a request.
// Transitions: NEW -> PROCESSING -> {COMPLETE, FAILED}. Terminal states
// are sticky: a COMPLETE request is never reprocessed on re-delivery.
type RequestStatus string

const (
	RequestStatusNew        RequestStatus = "NEW"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusComplete   RequestStatus = "COMPLETE"
	RequestStatusFailed     RequestStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusComplete || s == RequestStatusFailed
}

// Plugin selects a protocol-specific fetch strategy.
type Plugin string

const (
	PluginNone   Plugin = ""
	PluginArcGIS Plugin = "arcgis"
	PluginWFS    Plugin = "wfs"
)

// Request is one dataset submission, created externally by the API in
// state NEW and driven to a terminal state by the coordinator.
type Request struct {
	ID        string          `json:"id"`
	Type      RequestType     `json:"type"`
	Status    RequestStatus   `json:"status"`
	Created   time.Time       `json:"created"`
	Modified  time.Time       `json:"modified"`
	Params    RequestParams   `json:"-"`
	Plugin    Plugin          `json:"plugin,omitempty"`
	RawParams json.RawMessage `json:"params"`
}

// RequestParams is the tagged variant keyed by Request.Type.
type RequestParams interface {
	Validate() error
	Collection() string
	Dataset() string
}

// CheckFileParams describes an uploaded-file submission. UploadedFilename
// is an object-storage key, not a local path.
type CheckFileParams struct {
	CollectionName   string `json:"collection"`
	DatasetName      string `json:"dataset"`
	OriginalFilename string `json:"original_filename"`
	UploadedFilename string `json:"uploaded_filename"`
}

func (p *CheckFileParams) Collection() string { return p.CollectionName }
func (p *CheckFileParams) Dataset() string    { return p.DatasetName }

func (p *CheckFileParams) Validate() error {
	if p.CollectionName == "" {
		return eris.New("params: collection is required")
	}
	if p.DatasetName == "" {
		return eris.New("params: dataset is required")
	}
	if p.UploadedFilename == "" {
		return eris.New("params: uploaded_filename is required")
	}
	return nil
}

// CheckURLParams describes a remote-URL submission.
type CheckURLParams struct {
	CollectionName   string            `json:"collection"`
	DatasetName      string            `json:"dataset"`
	URL              string            `json:"url"`
	ColumnMapping    map[string]string `json:"column_mapping,omitempty"`
	GeomType         string            `json:"geom_type,omitempty"`
	Plugin           Plugin            `json:"plugin,omitempty"`
	Organisation     string            `json:"organisation,omitempty"`
	DocumentationURL string            `json:"documentation_url,omitempty"`
	Licence          string            `json:"licence,omitempty"`
	StartDate        string            `json:"start_date,omitempty"`
}

func (p *CheckURLParams) Collection() string { return p.CollectionName }
func (p *CheckURLParams) Dataset() string    { return p.DatasetName }

func (p *CheckURLParams) Validate() error {
	if p.CollectionName == "" {
		return eris.New("params: collection is required")
	}
	if p.DatasetName == "" {
		return eris.New("params: dataset is required")
	}
	if p.URL == "" {
		return eris.New("params: url is required")
	}
	switch p.Plugin {
	case PluginNone, PluginArcGIS, PluginWFS:
	default:
		return eris.Errorf("params: unknown plugin %q", p.Plugin)
	}
	return nil
}

// AddDataParams describes an add-data submission: either a URL fetch, a
// preview based on a prior check_url response, or inline content.
type AddDataParams struct {
	CheckURLParams
	SourceRequestID string `json:"source_request_id,omitempty"`
	Content         string `json:"content,omitempty"`
}

func (p *AddDataParams) Validate() error {
	if p.CollectionName == "" {
		return eris.New("params: collection is required")
	}
	if p.DatasetName == "" {
		return eris.New("params: dataset is required")
	}
	if p.URL == "" && p.SourceRequestID == "" && p.Content == "" {
		return eris.New("params: one of url, source_request_id or content is required")
	}
	switch p.Plugin {
	case PluginNone, PluginArcGIS, PluginWFS:
	default:
		return eris.Errorf("params: unknown plugin %q", p.Plugin)
	}
	return nil
}

// DecodeParams decodes the raw params blob into the variant selected by
// typ and validates it. An unknown type is a user error.
func DecodeParams(typ RequestType, raw json.RawMessage) (RequestParams, error) {
	var params RequestParams
	switch typ {
	case RequestTypeCheckFile:
		params = &CheckFileParams{}
	case RequestTypeCheckURL:
		params = &CheckURLParams{}
	case RequestTypeAddData:
		params = &AddDataParams{}
	default:
		return nil, eris.Errorf("params: unknown request type %q", typ)
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, eris.Wrapf(err, "params: decode %s", typ)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// UnmarshalJSON decodes a request and resolves its params variant.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return eris.Wrap(err, "request: decode")
	}
	*r = Request(a)
	if len(r.RawParams) > 0 {
		params, err := DecodeParams(r.Type, r.RawParams)
		if err != nil {
			return err
		}
		r.Params = params
	}
	return nil
}

// MarshalJSON encodes the request with its params variant inlined.
func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	a := alias(r)
	if r.Params != nil {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return nil, eris.Wrap(err, "request: encode params")
		}
		a.RawParams = raw
	}
	return json.Marshal(a)
}

// FetchPlugin returns the effective plugin for the request: the request
// level tag wins, falling back to the params tag for URL submissions.
func (r *Request) FetchPlugin() Plugin {
	if r.Plugin != PluginNone {
		return r.Plugin
	}
	switch p := r.Params.(type) {
	case *CheckURLParams:
		return p.Plugin
	case *AddDataParams:
		return p.Plugin
	}
	return PluginNone
}
