package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/3cpo-dev/fleetfs/pkg/api"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Request is one file operation. The set of implementations is closed:
// Upload, Download, Delete, Read and Write.
type Request interface {
	Kind() api.Operation
	Target() string
	isRequest()
}

// Upload stores the local file at LocalPath under Filename.
type Upload struct {
	Filename  string
	LocalPath string
	Owner     string
}

// Download reassembles Filename into LocalPath.
type Download struct {
	Filename  string
	LocalPath string
	User      string
}

// Delete removes Filename and its chunks.
type Delete struct {
	Filename string
	User     string
}

// Read streams the plaintext of Filename into Into.
type Read struct {
	Filename string
	User     string
	Into     io.Writer
}

// Write replaces the content of an existing file on behalf of User, who
// needs a live session and write permission.
type Write struct {
	Filename string
	User     string
	Content  []byte
}

func (Upload) Kind() api.Operation   { return api.OpUpload }
func (Download) Kind() api.Operation { return api.OpDownload }
func (Delete) Kind() api.Operation   { return api.OpDelete }
func (Read) Kind() api.Operation     { return api.OpRead }
func (Write) Kind() api.Operation    { return api.OpWrite }

func (r Upload) Target() string   { return r.Filename }
func (r Download) Target() string { return r.Filename }
func (r Delete) Target() string   { return r.Filename }
func (r Read) Target() string     { return r.Filename }
func (r Write) Target() string    { return r.Filename }

func (Upload) isRequest()   {}
func (Download) isRequest() {}
func (Delete) isRequest()   {}
func (Read) isRequest()     {}
func (Write) isRequest()    {}

func validate(r Request) error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidOperation)
	}
	if strings.TrimSpace(r.Target()) == "" {
		return fmt.Errorf("%w: %s without filename", ErrInvalidOperation, r.Kind())
	}
	switch v := r.(type) {
	case Upload:
		if v.LocalPath == "" {
			return fmt.Errorf("%w: UPLOAD without local path", ErrInvalidOperation)
		}
	case Download:
		if v.LocalPath == "" {
			return fmt.Errorf("%w: DOWNLOAD without local path", ErrInvalidOperation)
		}
	case Read:
		if v.Into == nil {
			return fmt.Errorf("%w: READ without destination", ErrInvalidOperation)
		}
	case Write:
		if v.User == "" {
			return fmt.Errorf("%w: WRITE without user", ErrInvalidOperation)
		}
	case Delete:
	default:
		return fmt.Errorf("%w: %T", ErrInvalidOperation, r)
	}
	return nil
}

// ParseRequest builds a Request from its wire form. READ requests from the
// wire have no destination; into receives the plaintext and may be nil for
// other kinds.
func ParseRequest(sr api.SubmitRequest, into io.Writer) (Request, error) {
	op, ok := api.ParseOperation(sr.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, sr.Operation)
	}
	var r Request
	switch op {
	case api.OpUpload:
		r = Upload{Filename: sr.Filename, LocalPath: sr.LocalPath, Owner: sr.User}
	case api.OpDownload:
		r = Download{Filename: sr.Filename, LocalPath: sr.LocalPath, User: sr.User}
	case api.OpDelete:
		r = Delete{Filename: sr.Filename, User: sr.User}
	case api.OpRead:
		r = Read{Filename: sr.Filename, User: sr.User, Into: into}
	case api.OpWrite:
		r = Write{Filename: sr.Filename, User: sr.User, Content: []byte(sr.Content)}
	}
	if err := validate(r); err != nil {
		return nil, err
	}
	return r, nil
}
