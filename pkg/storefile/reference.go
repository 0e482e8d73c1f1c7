package storefile

import (
	"fmt"

	"cfstore/pkg/types"
)

// WriteReference writes a reference half-file at path: a data-less store
// file whose meta points at parent and selects one side of splitRow. Region
// splits create one bottom and one top reference per parent file; daughters
// read through them until their first major compaction rewrites real files.
func WriteReference(path, parentPath string, splitRow []byte, top bool, seqID types.SeqN) error {
	w, err := NewWriter(path, WriterOptions{IncludeMVCC: true})
	if err != nil {
		return err
	}
	err = w.Finish(FinishOptions{
		SequenceID: seqID,
		Reference: &RefMeta{
			ParentPath: parentPath,
			SplitRow:   splitRow,
			Top:        top,
		},
	})
	if err != nil {
		w.Abort()
		return fmt.Errorf("failed to write reference file: %w", err)
	}
	return nil
}
