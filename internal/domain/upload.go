package domain

import (
	"encoding/json"
	"time"
)

// UploadState is the overall state of an upload job.
type UploadState string

// Upload states.
const (
	UploadUnknown      UploadState = ""
	UploadInitializing UploadState = "INITIALIZING"
	UploadProcessing   UploadState = "PROCESSING"
	UploadSucceeded    UploadState = "SUCCEEDED"
	UploadFailed       UploadState = "FAILED"
)

// IsTerminal reports whether no further status change is expected.
func (s UploadState) IsTerminal() bool {
	return s == UploadSucceeded || s == UploadFailed
}

// FileSummary is the platform's report for one file of an upload.
// A negative status means the file failed.
type FileSummary struct {
	Name   string `json:"name"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// UploadStatus is a snapshot of an upload job's progress.
type UploadStatus struct {
	Status    UploadState   `json:"status"`
	Summary   []FileSummary `json:"summary,omitempty"`
	Progress  float64       `json:"progress"`
	UpdatedAt time.Time     `json:"lastUpdated"`
	Message   string        `json:"message,omitempty"`
}

// HasFailedFile reports whether any file summary carries a negative status.
func (s *UploadStatus) HasFailedFile() bool {
	for _, f := range s.Summary {
		if f.Status < 0 {
			return true
		}
	}
	return false
}

// Resolve overrides the reported overall status with FAILED when any file
// failed, whatever the server said.
func (s *UploadStatus) Resolve() {
	if s.HasFailedFile() {
		s.Status = UploadFailed
	}
}

// PreprocessingStep is one ordered step the platform runs before ingestion.
type PreprocessingStep struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Conversion holds per-band and format conversion parameters.
type Conversion struct {
	Band      int        `json:"band,omitempty"`
	PixelType PixelType  `json:"pixel_type,omitempty"`
	NoData    *float64   `json:"no_data,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Format    string     `json:"format,omitempty"`
	HDFType   string     `json:"hdf_type,omitempty"`
}

// UploadJob describes the ingestion of one file into the platform.
// TrackingID is set once a submit has succeeded.
type UploadJob struct {
	ID            string              `json:"id,omitempty"`
	FilePath      string              `json:"file,omitempty"`
	Key           string              `json:"key,omitempty"`
	LayerIDs      []int64             `json:"data_layer_ids,omitempty"`
	Conversion                        // inlined
	Preprocessing []PreprocessingStep `json:"preprocessing,omitempty"`
	Local         bool                `json:"local,omitempty"`
	Delete        bool                `json:"delete,omitempty"`
	URL           string              `json:"url,omitempty"`
	TrackingID    string              `json:"tracking_id,omitempty"`
	Status        UploadStatus        `json:"-"`
	Err           error               `json:"-"` // Cause of a FAILED status
}

// Encoding selects one of the two serialization forms of an UploadJob.
type Encoding int

// Encodings.
const (
	// EncodingInternal is the full form used for job files and sidecars.
	EncodingInternal Encoding = iota
	// EncodingWire is the body of the upload submission request.
	EncodingWire
)

type uploadWire struct {
	URL           string              `json:"url"`
	DatalayerIDs  []int64             `json:"datalayerIds"`
	Band          int                 `json:"band,omitempty"`
	PixelType     PixelType           `json:"pixelType,omitempty"`
	NoData        *float64            `json:"pixelNoDataVal,omitempty"`
	Timestamp     *time.Time          `json:"timestamp,omitempty"`
	Format        string              `json:"format,omitempty"`
	HDFType       string              `json:"hdfType,omitempty"`
	Preprocessing []PreprocessingStep `json:"preprocessing,omitempty"`
}

// Encode serializes the job in the given form.
func (j *UploadJob) Encode(enc Encoding) ([]byte, error) {
	if enc == EncodingInternal {
		return json.Marshal(j)
	}
	return json.Marshal(uploadWire{
		URL:           j.URL,
		DatalayerIDs:  j.LayerIDs,
		Band:          j.Band,
		PixelType:     j.PixelType,
		NoData:        j.NoData,
		Timestamp:     j.Timestamp,
		Format:        j.Format,
		HDFType:       j.HDFType,
		Preprocessing: j.Preprocessing,
	})
}

// UnmarshalJSON accepts both spellings of the layer id and hdf type keys,
// as well as the wire form.
func (j *UploadJob) UnmarshalJSON(b []byte) error {
	type plain UploadJob
	aux := struct {
		plain
		DatalayerIDs  []int64  `json:"datalayer_ids"`
		DatalayerIDsW []int64  `json:"datalayerIds"`
		DatalayerID   *int64   `json:"datalayer_id"`
		DataLayerID   *int64   `json:"data_layer_id"`
		Hdftype       string   `json:"hdftype"`
		HdfTypeW      string   `json:"hdfType"`
		PixelTypeW    string   `json:"pixelType"`
		NoDataW       *float64 `json:"pixelNoDataVal"`
	}{}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*j = UploadJob(aux.plain)

	if len(j.LayerIDs) == 0 {
		switch {
		case len(aux.DatalayerIDs) > 0:
			j.LayerIDs = aux.DatalayerIDs
		case len(aux.DatalayerIDsW) > 0:
			j.LayerIDs = aux.DatalayerIDsW
		case aux.DataLayerID != nil:
			j.LayerIDs = []int64{*aux.DataLayerID}
		case aux.DatalayerID != nil:
			j.LayerIDs = []int64{*aux.DatalayerID}
		}
	}
	if j.HDFType == "" {
		j.HDFType = aux.Hdftype
		if j.HDFType == "" {
			j.HDFType = aux.HdfTypeW
		}
	}
	if j.PixelType == "" && aux.PixelTypeW != "" {
		j.PixelType = PixelType(aux.PixelTypeW)
	}
	if j.NoData == nil {
		j.NoData = aux.NoDataW
	}
	return nil
}

// Merge fills the job's description fields from a remote description.
// Fields present remotely win. Identity and runtime fields are kept.
func (j *UploadJob) Merge(remote *UploadJob) {
	if len(remote.LayerIDs) > 0 {
		j.LayerIDs = remote.LayerIDs
	}
	if remote.Band != 0 {
		j.Band = remote.Band
	}
	if remote.PixelType != "" {
		j.PixelType = remote.PixelType
	}
	if remote.NoData != nil {
		j.NoData = remote.NoData
	}
	if remote.Timestamp != nil {
		j.Timestamp = remote.Timestamp
	}
	if remote.Format != "" {
		j.Format = remote.Format
	}
	if remote.HDFType != "" {
		j.HDFType = remote.HDFType
	}
	if len(remote.Preprocessing) > 0 {
		j.Preprocessing = remote.Preprocessing
	}
}
