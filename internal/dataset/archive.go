package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowf16 "github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	xfloat16 "github.com/x448/float16"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

// ArchiveName is the Arrow IPC file holding per-step latents and
// predicted noise.
const ArchiveName = "latents_noise.arrow"

// WriteLatentArchive stores the per-step latent and predicted-noise
// histories as one zstd-compressed Arrow IPC file with two
// fixed-size-list<float16> columns, one row per step. The per-step
// tensor shape is recorded in the schema metadata so readers can
// restore the original layout.
func (s *Serializer) WriteLatentArchive(latents, noise []*tensor.F16) error {
	target := filepath.Join(s.root, ArchiveName)
	if len(latents) == 0 {
		return errdefs.Storage("write", target, fmt.Errorf("no latent rows"))
	}
	if len(latents) != len(noise) {
		return errdefs.Storage("write", target,
			fmt.Errorf("latent rows %d != noise rows %d", len(latents), len(noise)))
	}

	shape := latents[0].Shape
	width := latents[0].NumElems()
	for i := range latents {
		if latents[i].NumElems() != width || noise[i].NumElems() != width {
			return errdefs.Storage("write", target,
				fmt.Errorf("row %d does not match per-step element count %d", i, width))
		}
	}

	md := arrow.NewMetadata(
		[]string{"tensor_shape", "dtype"},
		[]string{fmt.Sprint(shape), "float16"},
	)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "latent", Type: arrow.FixedSizeListOf(int32(width), arrow.FixedWidthTypes.Float16)},
		{Name: "predicted_noise", Type: arrow.FixedSizeListOf(int32(width), arrow.FixedWidthTypes.Float16)},
	}, &md)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	appendColumn(builder.Field(0).(*array.FixedSizeListBuilder), latents)
	appendColumn(builder.Field(1).(*array.FixedSizeListBuilder), noise)

	record := builder.NewRecord()
	defer record.Release()

	f, err := os.Create(target)
	if err != nil {
		return errdefs.Storage("create", target, err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithZstd())
	if err != nil {
		f.Close()
		return errdefs.Storage("write", target, err)
	}
	if err := w.Write(record); err != nil {
		w.Close()
		f.Close()
		return errdefs.Storage("write", target, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return errdefs.Storage("write", target, err)
	}
	return f.Close()
}

func appendColumn(lb *array.FixedSizeListBuilder, rows []*tensor.F16) {
	vb := lb.ValueBuilder().(*array.Float16Builder)
	for _, row := range rows {
		lb.Append(true)
		for _, v := range row.Data {
			vb.Append(arrowf16.FromBits(uint16(v)))
		}
	}
}

// ReadLatentArchive loads the archive back into float16 tensors using
// the shape stored in the schema metadata only for validation; rows
// come back flat.
func ReadLatentArchive(path string) (latents, noise []*tensor.F16, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errdefs.Storage("open", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, nil, errdefs.Storage("read", path, err)
	}
	defer r.Close()

	for i := 0; i < r.NumRecords(); i++ {
		record, err := r.Record(i)
		if err != nil {
			return nil, nil, errdefs.Storage("read", path, err)
		}
		latents = append(latents, columnRows(record.Column(0).(*array.FixedSizeList))...)
		noise = append(noise, columnRows(record.Column(1).(*array.FixedSizeList))...)
	}
	return latents, noise, nil
}

func columnRows(col *array.FixedSizeList) []*tensor.F16 {
	values := col.ListValues().(*array.Float16)
	width := int(col.DataType().(*arrow.FixedSizeListType).Len())

	rows := make([]*tensor.F16, col.Len())
	for i := range rows {
		row := tensor.NewF16(width)
		for j := 0; j < width; j++ {
			row.Data[j] = xfloat16.Float16(values.Value(i*width + j).Uint16())
		}
		rows[i] = row
	}
	return rows
}
