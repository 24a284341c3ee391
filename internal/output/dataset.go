package output

import "context"

// SliceDataset adapts an in-memory table to the Dataset interface.
type SliceDataset struct {
	Header []string
	Data   [][]string
}

func (d SliceDataset) Headers() []string { return d.Header }

func (d SliceDataset) Rows(ctx context.Context, emit func(row []string) error) error {
	for _, row := range d.Data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(row); err != nil {
			return err
		}
	}
	return nil
}
