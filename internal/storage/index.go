package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ProductIndex assigns stable numbers (P000001, P000002, ...) to the
// product ids of one market across runs. It is persisted as
// product_index_<market>.json next to the workbook.
type ProductIndex struct {
	path string

	mu     sync.Mutex
	ids    map[string]string
	lastNo int
	dirty  bool
}

type indexFile struct {
	Map    map[string]string `json:"map"`
	LastNo int               `json:"last_no"`
}

// IndexPath returns where the index of marketKey lives under dir.
func IndexPath(dir, marketKey string) string {
	return filepath.Join(dir, "product_index_"+marketKey+".json")
}

// LoadProductIndex reads the index of marketKey from dir. A missing file
// yields an empty index.
func LoadProductIndex(dir, marketKey string) (*ProductIndex, error) {
	idx := &ProductIndex{path: IndexPath(dir, marketKey), ids: make(map[string]string)}

	data, err := os.ReadFile(idx.path)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read product index: %w", err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse product index %s: %w", idx.path, err)
	}
	if f.Map != nil {
		idx.ids = f.Map
	}
	idx.lastNo = f.LastNo
	return idx, nil
}

// Assign returns the number of productID, allocating the next one on first
// sight. An empty id gets no number.
func (x *ProductIndex) Assign(productID string) string {
	if productID == "" {
		return ""
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if no, ok := x.ids[productID]; ok {
		return no
	}
	x.lastNo++
	no := fmt.Sprintf("P%06d", x.lastNo)
	x.ids[productID] = no
	x.dirty = true
	return no
}

// Len returns the number of products in the index.
func (x *ProductIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ids)
}

// Save writes the index through a temp file and rename. It is a no-op when
// nothing was assigned since the last save.
func (x *ProductIndex) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}

	data, err := json.MarshalIndent(indexFile{Map: x.ids, LastNo: x.lastNo}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write product index: %w", err)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename product index: %w", err)
	}
	x.dirty = false
	return nil
}
