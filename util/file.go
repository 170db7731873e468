package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SaveJson writes data to path through a temporary file in the same
// directory followed by a rename, so readers never see a partial file.
func SaveJson(path string, data interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	bs, err := json.Marshal(data)
	if err != nil {
		return err
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := file.Name()
	_, werr := file.Write(bs)
	cerr := file.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func LoadJson(path string, out interface{}) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bs, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
