package gittools

import (
	"strconv"
	"strings"
)

// fieldSep separates pretty-format fields; it cannot appear in commit
// metadata.
const fieldSep = "\x1f"

// LogEntry is one commit in the short history view.
type LogEntry struct {
	SHA     string   `msgpack:"sha"`
	Message string   `msgpack:"message"`
	Author  string   `msgpack:"author"`
	Date    string   `msgpack:"date"`
	Refs    []string `msgpack:"refs"`
}

// Log returns up to limit commits from HEAD, newest first.
func Log(root string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	format := strings.Join([]string{"%h", "%s", "%an", "%aI", "%D"}, fieldSep)
	out, err := runGit(root, "log", "-n", strconv.Itoa(limit), "--pretty=format:"+format)
	if err != nil {
		if ge, ok := err.(*GitError); ok && strings.Contains(ge.Stderr, "does not have any commits") {
			return []LogEntry{}, nil
		}
		return nil, err
	}

	var entries []LogEntry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, fieldSep, 5)
		if len(fields) != 5 {
			continue
		}
		entries = append(entries, LogEntry{
			SHA:     fields[0],
			Message: fields[1],
			Author:  fields[2],
			Date:    fields[3],
			Refs:    parseRefs(fields[4]),
		})
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	return entries, nil
}

// parseRefs splits a %D decoration ("HEAD -> main, origin/main") into
// individual ref names.
func parseRefs(decoration string) []string {
	decoration = strings.TrimSpace(decoration)
	if decoration == "" {
		return nil
	}
	var refs []string
	for _, part := range strings.Split(decoration, ", ") {
		part = strings.TrimPrefix(part, "HEAD -> ")
		part = strings.TrimPrefix(part, "tag: ")
		if part != "" && part != "HEAD" {
			refs = append(refs, part)
		}
	}
	return refs
}

// ShowFile is one path touched by a commit.
type ShowFile struct {
	Status  string `msgpack:"status"`
	Path    string `msgpack:"path"`
	OldPath string `msgpack:"old_path,omitempty"`
}

// ShowResult is the detail view of one commit.
type ShowResult struct {
	SHA         string     `msgpack:"sha"`
	FullSHA     string     `msgpack:"full_sha"`
	Message     string     `msgpack:"message"`
	Author      string     `msgpack:"author"`
	AuthorEmail string     `msgpack:"author_email"`
	Date        string     `msgpack:"date"`
	Files       []ShowFile `msgpack:"files"`
}

// Show returns commit metadata and its file list.
func Show(root, sha string) (ShowResult, error) {
	format := strings.Join([]string{"%h", "%H", "%an", "%ae", "%aI", "%B"}, fieldSep)
	out, err := runGit(root, "show", "--no-patch", "--pretty=format:"+format, sha)
	if err != nil {
		return ShowResult{}, err
	}

	fields := strings.SplitN(out, fieldSep, 6)
	if len(fields) != 6 {
		return ShowResult{}, &GitError{Args: []string{"show", sha}, Stderr: "unexpected show output"}
	}
	res := ShowResult{
		SHA:         fields[0],
		FullSHA:     fields[1],
		Author:      fields[2],
		AuthorEmail: fields[3],
		Date:        fields[4],
		Message:     strings.TrimRight(fields[5], "\n"),
	}

	nameOut, err := runGit(root, "show", "--name-status", "-z", "--pretty=format:", sha)
	if err != nil {
		return ShowResult{}, err
	}
	records := splitZ(strings.TrimLeft(nameOut, "\n"))
	for i := 0; i < len(records); i++ {
		status := records[i]
		if status == "" {
			continue
		}
		f := ShowFile{Status: string(status[0])}
		if i+1 >= len(records) {
			break
		}
		i++
		if f.Status == "R" || f.Status == "C" {
			// Rename/copy records carry old then new path.
			f.OldPath = records[i]
			if i+1 < len(records) {
				i++
				f.Path = records[i]
			}
		} else {
			f.Path = records[i]
		}
		res.Files = append(res.Files, f)
	}

	return res, nil
}
