package workbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// SheetName is the worksheet holding the item rows.
const SheetName = "items"

// buildFile renders the header and rows into a new workbook.
func buildFile(rows []*types.Item) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		f.Close()
		return nil, err
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		f.Close()
		return nil, err
	}
	// title, link and image path are the wide columns.
	_ = sw.SetColWidth(3, 3, 48)
	_ = sw.SetColWidth(6, 8, 40)
	_ = sw.SetColWidth(9, 9, 22)

	header := make([]any, len(types.Columns))
	for i, c := range types.Columns {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		f.Close()
		return nil, err
	}
	for i, item := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, item.Row()); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := sw.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// readRows loads item rows from an existing workbook. Rows that cannot be
// decoded are returned as errors and skipped.
func readRows(path string) ([]*types.Item, []error, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(SheetName); err != nil || idx < 0 {
		return nil, nil, nil
	}
	raw, err := f.GetRows(SheetName)
	if err != nil {
		return nil, nil, err
	}

	var items []*types.Item
	var bad []error
	for i, cells := range raw {
		if i == 0 || len(cells) == 0 {
			continue
		}
		item, err := types.ItemFromRow(cells)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		items = append(items, item)
	}
	return items, bad, nil
}

// writeFile saves f to path through path.tmp, fsync and rename. A target
// held open by another program is reported as types.ErrTargetLocked.
func writeFile(f *excelize.File, path string) (err error) {
	if heldByOffice(path) {
		return fmt.Errorf("%w: owner file present for %s", types.ErrTargetLocked, filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.WriteTo(out); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		if isLockErrno(err) {
			return fmt.Errorf("%w: %v", types.ErrTargetLocked, err)
		}
		return err
	}
	return nil
}

// heldByOffice reports whether an Office owner file ("~$name") exists next
// to path, which means a user has the workbook open.
func heldByOffice(path string) bool {
	owner := filepath.Join(filepath.Dir(path), "~$"+filepath.Base(path))
	_, err := os.Stat(owner)
	return err == nil
}

func isLockErrno(err error) bool {
	return errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY)
}

// FallbackPath returns <path>.<YYYYMMDD-HHMMSS>.xlsx next to path.
func FallbackPath(path string, now time.Time) string {
	return path + "." + now.Format("20060102-150405") + ".xlsx"
}
