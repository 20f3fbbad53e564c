package disk

import (
	"encoding/json"

	"github.com/jimyag/storagedriver/pkg/apierror"
)

// wireDisk 描述符的 JSON 形式
type wireDisk struct {
	Name          string  `json:"name"`
	Dir           string  `json:"dir"`
	Format        Format  `json:"format"`
	Type          Type    `json:"type"`
	Size          *int64  `json:"size"`
	ActualSize    int64   `json:"actual_size"`
	BaseName      *string `json:"base_name"`
	DataStoreType string  `json:"data_store_type"`
}

// MarshalJSON 输出带 data_store_type 的描述符
func (d Disk) MarshalJSON() ([]byte, error) {
	w := wireDisk{
		Name:          d.Name,
		Dir:           d.Dir,
		Format:        d.Format,
		Type:          d.Type,
		ActualSize:    d.ActualSize,
		DataStoreType: string(d.Backend),
	}
	if d.Size > 0 {
		size := d.Size
		w.Size = &size
	}
	if d.BaseName != "" {
		base := d.BaseName
		w.BaseName = &base
	}
	return json.Marshal(w)
}

// UnmarshalJSON 解析描述符，data_store_type 缺失或未知时返回 InvalidDescriptor
func (d *Disk) UnmarshalJSON(data []byte) error {
	var w wireDisk
	if err := json.Unmarshal(data, &w); err != nil {
		return apierror.WrapError(apierror.ErrInvalidDescriptor, "malformed disk descriptor", err)
	}
	kind := BackendKind(w.DataStoreType)
	if !kind.Valid() {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "unknown data_store_type %q", w.DataStoreType)
	}
	*d = Disk{
		Name:       w.Name,
		Dir:        w.Dir,
		Backend:    kind,
		Format:     w.Format,
		Type:       w.Type,
		ActualSize: w.ActualSize,
	}
	if w.Size != nil {
		d.Size = *w.Size
	}
	if w.BaseName != nil {
		d.BaseName = *w.BaseName
	}
	return nil
}

// Decode 反序列化并校验描述符
func Decode(data []byte) (*Disk, error) {
	var d Disk
	if err := json.Unmarshal(data, &d); err != nil {
		if apiErr := apierror.From(err); apiErr != nil {
			return nil, apiErr
		}
		return nil, apierror.WrapError(apierror.ErrInvalidDescriptor, "malformed disk descriptor", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
