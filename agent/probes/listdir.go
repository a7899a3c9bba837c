package probes

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
)

const (
	listDirDefaultMax = 2000
	listDirLimit      = 10000
)

// ListDir answers list_dir: one page of a directory, directories first,
// then case-insensitive by name.
func (p *Prober) ListDir(ctx context.Context, req protocol.Request) (interface{}, error) {
	var params protocol.ListDirParams
	if err := req.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, &protocol.Failure{Code: protocol.FailureProbe, Reason: "path is required"}
	}

	max := params.Max
	if max <= 0 {
		max = listDirDefaultMax
	}
	if max > listDirLimit {
		max = listDirLimit
	}
	skip := params.Skip
	if skip < 0 {
		skip = 0
	}

	dir := params.Path
	if strings.HasPrefix(dir, "~/") || dir == "~" {
		home, err := p.homeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve home")
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}

	entries, err := p.readDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read_dir %s", dir)
	}

	all := make([]protocol.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := protocol.DirEntry{Name: e.Name(), Path: filepath.Join(dir, e.Name()), IsDir: e.IsDir()}
		if e.Type().IsRegular() {
			if info, err := e.Info(); err == nil {
				size := info.Size()
				de.Size = &size
			}
		}
		all = append(all, de)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].IsDir != all[j].IsDir {
			return all[i].IsDir
		}
		return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
	})

	listing := protocol.DirListing{Entries: []protocol.DirEntry{}, EOF: skip+max >= len(all)}
	if skip < len(all) {
		end := skip + max
		if end > len(all) {
			end = len(all)
		}
		listing.Entries = all[skip:end]
	}
	return listing, nil
}
