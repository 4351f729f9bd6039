package schedule

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"

	"github.com/teranos/tempo/errors"
)

// JobDataMap is a copy-on-write string-keyed map attached to jobs and triggers.
//
// Copies share storage until one of them is mutated. Every effective
// mutation bumps Version, so a caller can snapshot Version before running a
// job and persist the map only if it moved.
type JobDataMap struct {
	m       map[string]any
	version uint64
}

// NewJobDataMap copies m into a new map
func NewJobDataMap(m map[string]any) JobDataMap {
	d := JobDataMap{}
	if len(m) > 0 {
		d.m = make(map[string]any, len(m))
		for k, v := range m {
			d.m[k] = v
		}
	}
	return d
}

// Version counts effective mutations since construction
func (d JobDataMap) Version() uint64 { return d.version }

// Len returns the number of entries
func (d JobDataMap) Len() int { return len(d.m) }

// Get returns the value for key
func (d JobDataMap) Get(key string) (any, bool) {
	v, ok := d.m[key]
	return v, ok
}

// GetString returns the value for key if it is a string
func (d JobDataMap) GetString(key string) (string, bool) {
	s, ok := d.m[key].(string)
	return s, ok
}

// GetInt returns the value for key as an int64, accepting any numeric
// representation including json.Number from a persistent store.
func (d JobDataMap) GetInt(key string) (int64, bool) {
	switch v := d.m[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// GetBool returns the value for key as a bool, accepting "true"/"false" strings
func (d JobDataMap) GetBool(key string) (bool, bool) {
	switch v := d.m[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

// Keys returns the keys in sorted order
func (d JobDataMap) Keys() []string {
	keys := make([]string, 0, len(d.m))
	for k := range d.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap returns a fresh copy of the entries
func (d JobDataMap) ToMap() map[string]any {
	out := make(map[string]any, len(d.m))
	for k, v := range d.m {
		out[k] = v
	}
	return out
}

// Put sets key to value and reports whether the map changed
func (d *JobDataMap) Put(key string, value any) bool {
	if old, ok := d.m[key]; ok && reflect.DeepEqual(old, value) {
		return false
	}
	d.detach()
	d.m[key] = value
	d.version++
	return true
}

// Remove deletes key and reports whether it was present
func (d *JobDataMap) Remove(key string) bool {
	if _, ok := d.m[key]; !ok {
		return false
	}
	d.detach()
	delete(d.m, key)
	d.version++
	return true
}

// detach gives d its own storage before a write
func (d *JobDataMap) detach() {
	m := make(map[string]any, len(d.m)+1)
	for k, v := range d.m {
		m[k] = v
	}
	d.m = m
}

// Merge returns a new map holding d's entries overlaid by other's
func (d JobDataMap) Merge(other JobDataMap) JobDataMap {
	if other.Len() == 0 {
		return JobDataMap{m: d.m}
	}
	if d.Len() == 0 {
		return JobDataMap{m: other.m}
	}
	out := NewJobDataMap(d.m)
	for k, v := range other.m {
		out.m[k] = v
	}
	return out
}

// Equal compares contents, ignoring version. Values that encode to the
// same JSON are equal, so a map read back from a persistent store equals
// the one written.
func (d JobDataMap) Equal(other JobDataMap) bool {
	if d.Len() != other.Len() {
		return false
	}
	if d.Len() == 0 || reflect.DeepEqual(d.m, other.m) {
		return true
	}
	a, errA := json.Marshal(d.m)
	b, errB := json.Marshal(other.m)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// MarshalJSON encodes the entries as a JSON object
func (d JobDataMap) MarshalJSON() ([]byte, error) {
	if d.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.m)
}

// UnmarshalJSON decodes a JSON object. Numbers decode as json.Number so
// integers survive a round trip without becoming floats.
func (d *JobDataMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return errors.Wrap(err, "decode job data")
	}
	*d = JobDataMap{m: m}
	return nil
}
