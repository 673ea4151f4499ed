package tables

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

const mergingLockFile = "merging.lock"

func mergePath(dir string, mergeSeq int64) string {
	return filepath.Join(dir, fmt.Sprintf("g-%04d", mergeSeq))
}

func segPath2(dir string, mergeSeq int64, typ string, segIdx int) string {
	return filepath.Join(mergePath(dir, mergeSeq), fmt.Sprintf("%s-%04d", typ, segIdx))
}

func (t *Table) getSegPath(typ string, segIdx int) string {
	return segPath2(t.dir, t.mergeSeqNum.Load(), typ, segIdx)
}

// tryReduceSymlink replaces a segment symlink with its target so the
// merge generation is self-contained after startup.
func tryReduceSymlink(segDir string) error {
	fi, err := os.Lstat(segDir)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	target, err := os.Readlink(segDir)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(segDir), target)
	}
	logrus.Warnf("writable segment %s is a symlink to %s, reducing it", segDir, target)
	if err := os.Remove(segDir); err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return os.Rename(target, segDir)
	}
	return nil
}

// discoverMergeDir finds the in-use merge generation. A merging.lock
// anywhere means a crashed merge: refuse to open until the operator
// removes that generation.
func discoverMergeDir(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "narkdb: read table dir %s", dir)
	}
	mergeSeq := int64(-1)
	for _, e := range entries {
		var seq int64
		if n, _ := fmt.Sscanf(e.Name(), "g-%d", &seq); n != 1 {
			continue
		}
		lock := filepath.Join(dir, e.Name(), mergingLockFile)
		if _, err := os.Stat(lock); err == nil {
			return 0, errors.Wrapf(ErrLogic,
				"merging is not completed: %s; caused by a process crash; to continue, remove dir %s",
				lock, filepath.Join(dir, e.Name()))
		}
		if seq > mergeSeq {
			mergeSeq = seq
		}
	}
	if mergeSeq < 0 {
		if err := os.MkdirAll(mergePath(dir, 0), 0755); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err := removeStaleDir(dir, mergeSeq); err != nil {
		return 0, err
	}
	return mergeSeq, nil
}

func removeStaleDir(root string, inUseMergeSeq int64) error {
	inUse := mergePath(root, inUseMergeSeq)
	if entries, err := os.ReadDir(inUse); err == nil {
		for _, e := range entries {
			if err := tryReduceSymlink(filepath.Join(inUse, e.Name())); err != nil {
				return err
			}
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var seq int64
		if n, _ := fmt.Sscanf(e.Name(), "g-%d", &seq); n != 1 {
			continue
		}
		if seq != inUseMergeSeq {
			logrus.Infof("remove stale dir: %s", filepath.Join(root, e.Name()))
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				logrus.Errorf("remove stale dir: %v", err)
			}
		}
	}
	return nil
}

// workingSegDirList resolves crash-interrupted renames: a lone .tmp is
// dropped, a .tmp with its .backup-0 sibling is promoted to the
// canonical name.
func workingSegDirList(mergeDir string) ([]string, error) {
	entries, err := os.ReadDir(mergeDir)
	if err != nil {
		return nil, errors.Wrapf(err, "narkdb: read merge dir %s", mergeDir)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if name == mergingLockFile {
			continue
		}
		if strings.HasSuffix(name, ".backup-0") {
			logrus.Warnf("found backup segment: %s", filepath.Join(mergeDir, name))
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			canon := strings.TrimSuffix(name, ".tmp")
			backup := filepath.Join(mergeDir, canon+".backup-0")
			if _, err := os.Stat(backup); err == nil {
				if _, err := os.Stat(filepath.Join(mergeDir, canon)); err == nil {
					return nil, errors.Wrapf(ErrInvalidArg,
						"please check segment: %s", filepath.Join(mergeDir, canon))
				}
				logrus.Warnf("promote temporary segment: %s", filepath.Join(mergeDir, name))
				if err := os.Rename(filepath.Join(mergeDir, name), filepath.Join(mergeDir, canon)); err != nil {
					return nil, err
				}
				if err := os.RemoveAll(backup); err != nil {
					return nil, err
				}
				name = canon
			} else {
				logrus.Warnf("remove temporary segment: %s", filepath.Join(mergeDir, name))
				if err := os.RemoveAll(filepath.Join(mergeDir, name)); err != nil {
					return nil, err
				}
				continue
			}
		}
		if strings.HasPrefix(name, "wr-") || strings.HasPrefix(name, "rd-") {
			names = append(names, name)
		} else {
			logrus.Warnf("skip unknown dir: %s", filepath.Join(mergeDir, name))
		}
	}
	sort.Strings(names)
	return names, nil
}
