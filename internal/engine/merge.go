package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"speedy/internal/filesystem"
)

// mergeParts appends each segment's part file to the target in index order,
// deleting a part once it has been copied in. A missing or empty part is
// logged and skipped; the merge only fails if every part is unusable. The
// target's final size is compared against the sum of merged part sizes and
// a mismatch is logged, not treated as fatal.
func mergeParts(logger *slog.Logger, downloadsDir, filename string, segments []SegmentSpec) (string, error) {
	target := filesystem.FindAvailablePath(outputPath(downloadsDir, filename))

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	var merged int64
	succeeded := 0
	for i, seg := range segments {
		partPath := filesystem.PartPath(filename, i)
		info, err := os.Stat(partPath)
		if err != nil {
			logger.Warn("part file missing, skipping", "segment_id", seg.SegmentID, "path", partPath)
			continue
		}
		if info.Size() == 0 {
			logger.Warn("part file empty, skipping", "segment_id", seg.SegmentID, "path", partPath)
			os.Remove(partPath)
			continue
		}

		n, err := copyPart(out, partPath)
		if err != nil {
			logger.Error("failed to merge part, skipping", "segment_id", seg.SegmentID, "error", err)
			continue
		}
		merged += n
		succeeded++
		os.Remove(partPath)
	}

	if succeeded == 0 {
		out.Close()
		os.Remove(target)
		return "", fmt.Errorf("no usable parts to merge")
	}

	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("flush output file: %w", err)
	}
	if stat, err := out.Stat(); err == nil && stat.Size() != merged {
		logger.Warn("merged file size does not match sum of part sizes", "expected", merged, "actual", stat.Size())
	}

	return target, nil
}

func copyPart(out *os.File, partPath string) (int64, error) {
	in, err := os.Open(partPath)
	if err != nil {
		return 0, fmt.Errorf("open part file: %w", err)
	}
	defer in.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, fmt.Errorf("append part file: %w", err)
	}
	return n, nil
}
