package gittools

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusItem is one changed path. A file modified in both the index and
// the working tree yields two items, one per side.
type StatusItem struct {
	Path       string `msgpack:"path"`
	Code       string `msgpack:"code"`
	Staged     bool   `msgpack:"staged"`
	RenameFrom string `msgpack:"rename_from,omitempty"`
	Additions  int    `msgpack:"additions"`
	Deletions  int    `msgpack:"deletions"`
}

// StatusResult is the full status read-model for one worktree.
type StatusResult struct {
	IsGit          bool         `msgpack:"is_git"`
	Items          []StatusItem `msgpack:"items"`
	StagedCount    int          `msgpack:"staged_count"`
	HasStaged      bool         `msgpack:"has_staged"`
	CurrentBranch  string       `msgpack:"current_branch"`
	DefaultBranch  string       `msgpack:"default_branch"`
	Ahead          int          `msgpack:"ahead"`
	Behind         int          `msgpack:"behind"`
	ComparedBranch string       `msgpack:"compared_branch"`
}

// Status reports the working-tree status of root. Ahead/behind counts
// compare against the current branch's upstream when one is configured,
// otherwise against defaultBranch.
func Status(root, defaultBranch string) (StatusResult, error) {
	res := StatusResult{DefaultBranch: defaultBranch}

	out, err := runGit(root, "status", "--porcelain=v2", "-z", "--branch", "--untracked-files=all")
	if err != nil {
		if err == ErrNotAGitRepo {
			return res, nil
		}
		return res, err
	}
	res.IsGit = true

	upstream := ""
	haveAB := false
	records := splitZ(out)
	for i := 0; i < len(records); i++ {
		rec := records[i]
		switch {
		case strings.HasPrefix(rec, "# branch.head "):
			head := strings.TrimPrefix(rec, "# branch.head ")
			if head != "(detached)" {
				res.CurrentBranch = head
			}
		case strings.HasPrefix(rec, "# branch.upstream "):
			upstream = strings.TrimPrefix(rec, "# branch.upstream ")
		case strings.HasPrefix(rec, "# branch.ab "):
			haveAB = true
			fmt.Sscanf(strings.TrimPrefix(rec, "# branch.ab "), "+%d -%d", &res.Ahead, &res.Behind)
		case strings.HasPrefix(rec, "1 "):
			res.Items = append(res.Items, parseOrdinary(rec)...)
		case strings.HasPrefix(rec, "2 "):
			// Rename records carry the original path in the next
			// NUL-separated field.
			orig := ""
			if i+1 < len(records) {
				orig = records[i+1]
				i++
			}
			res.Items = append(res.Items, parseRename(rec, orig)...)
		case strings.HasPrefix(rec, "u "):
			if fields := strings.SplitN(rec, " ", 11); len(fields) == 11 {
				res.Items = append(res.Items, StatusItem{Path: fields[10], Code: "U"})
			}
		case strings.HasPrefix(rec, "? "):
			res.Items = append(res.Items, StatusItem{Path: rec[2:], Code: "??"})
		case strings.HasPrefix(rec, "! "):
			res.Items = append(res.Items, StatusItem{Path: rec[2:], Code: "!!"})
		}
	}

	for _, it := range res.Items {
		if it.Staged {
			res.StagedCount++
		}
	}
	res.HasStaged = res.StagedCount > 0

	if upstream != "" {
		res.ComparedBranch = upstream
	} else if defaultBranch != "" && res.CurrentBranch != "" {
		res.ComparedBranch = defaultBranch
		if !haveAB && res.CurrentBranch != defaultBranch {
			res.Ahead, res.Behind = countAheadBehind(root, defaultBranch)
		}
	}

	attachNumstat(root, res.Items)
	return res, nil
}

// parseOrdinary expands a porcelain v2 "1" record into per-side items.
func parseOrdinary(rec string) []StatusItem {
	fields := strings.SplitN(rec, " ", 9)
	if len(fields) != 9 {
		return nil
	}
	xy := fields[1]
	path := fields[8]
	return sideItems(xy, path, "")
}

func parseRename(rec, origPath string) []StatusItem {
	fields := strings.SplitN(rec, " ", 10)
	if len(fields) != 10 {
		return nil
	}
	xy := fields[1]
	path := fields[9]
	return sideItems(xy, path, origPath)
}

func sideItems(xy, path, renameFrom string) []StatusItem {
	var items []StatusItem
	if x := xy[0]; x != '.' {
		items = append(items, StatusItem{
			Path:       path,
			Code:       string(x),
			Staged:     true,
			RenameFrom: renameFrom,
		})
	}
	if y := xy[1]; y != '.' {
		items = append(items, StatusItem{Path: path, Code: string(y)})
	}
	return items
}

// countAheadBehind compares HEAD to base when no upstream is configured.
func countAheadBehind(root, base string) (ahead, behind int) {
	out, err := runGit(root, "rev-list", "--count", "--left-right", base+"...HEAD")
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0
	}
	behind, _ = strconv.Atoi(fields[0])
	ahead, _ = strconv.Atoi(fields[1])
	return ahead, behind
}

// attachNumstat fills Additions/Deletions from git diff --numstat for
// both sides. Binary files stay at zero.
func attachNumstat(root string, items []StatusItem) {
	working := numstat(root, false)
	staged := numstat(root, true)
	for i := range items {
		var counts [2]int
		var ok bool
		if items[i].Staged {
			counts, ok = staged[items[i].Path]
		} else {
			counts, ok = working[items[i].Path]
		}
		if ok {
			items[i].Additions = counts[0]
			items[i].Deletions = counts[1]
		}
	}
}

func numstat(root string, cached bool) map[string][2]int {
	args := []string{"diff", "--numstat", "-z"}
	if cached {
		args = []string{"diff", "--cached", "--numstat", "-z"}
	}
	out, err := runGit(root, args...)
	if err != nil {
		return nil
	}

	counts := map[string][2]int{}
	records := splitZ(out)
	for i := 0; i < len(records); i++ {
		fields := strings.SplitN(records[i], "\t", 3)
		if len(fields) != 3 {
			continue
		}
		add, err1 := strconv.Atoi(fields[0])
		del, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue // binary: "-"
		}
		path := fields[2]
		if path == "" && i+2 < len(records) {
			// Renames emit "add del \x00 old \x00 new".
			i += 2
			path = records[i]
		}
		counts[path] = [2]int{add, del}
	}
	return counts
}
