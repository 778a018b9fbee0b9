package media

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var ErrUnresolvedDrop = errors.New("could not resolve a local path from the dropped item")

// DropPayload is what a drag-and-drop source hands over: a direct path when
// the platform exposes one, otherwise a text/uri-list body.
type DropPayload struct {
	Path    string `json:"path"`
	URIList string `json:"uriList"`
}

var (
	reDriveLetter = regexp.MustCompile(`^/[A-Za-z]:`)
	reDriveHost   = regexp.MustCompile(`^[A-Za-z]:$`)
)

// ResolveDrop turns a drop payload into a local path for a host running goos.
func ResolveDrop(p DropPayload, goos string) (string, error) {
	if path := strings.TrimSpace(p.Path); path != "" {
		return path, nil
	}

	for _, line := range strings.Split(p.URIList, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(line), "file://") {
			continue
		}
		if path, ok := fileURIPath(line, goos); ok {
			return path, nil
		}
	}
	return "", ErrUnresolvedDrop
}

// ResolveDropFor resolves p and checks the result against the inputs op
// accepts for mt.
func ResolveDropFor(p DropPayload, goos string, op Operation, mt MediaType) (string, error) {
	path, err := ResolveDrop(p, goos)
	if err != nil {
		return "", err
	}
	if err := CheckExtension(path, op, mt); err != nil {
		return "", err
	}
	return path, nil
}

func fileURIPath(raw, goos string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	path := u.Path
	host := strings.ToLower(u.Host)
	if goos == "windows" && reDriveHost.MatchString(u.Host) {
		// file://C:/x puts the drive letter in the host.
		return u.Host + path, true
	}
	if host != "" && host != "localhost" {
		// file://server/share/x is a network share.
		path = "//" + u.Host + path
	}
	if goos == "windows" && reDriveLetter.MatchString(path) {
		path = path[1:]
	}
	return path, true
}
