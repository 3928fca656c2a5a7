// Package task defines the engine's core data model: the immutable Task
// description a caller submits, the persisted TaskRecord and ResumeData
// rows, and the TaskStatus lifecycle.
package task

import (
	"maps"
	"net/url"
	"slices"
	"time"
)

// Kind distinguishes the five task shapes. Dispatch on Kind replaces a
// virtual hierarchy: a Task is always the same struct, tagged.
type Kind string

const (
	KindDownload         Kind = "download"
	KindUpload           Kind = "upload"
	KindMultiUpload      Kind = "multiUpload"
	KindParallelDownload Kind = "parallelDownload"
	KindData             Kind = "data"
)

// BaseDirectory is the platform-relative root a task's Directory is
// resolved against.
type BaseDirectory string

const (
	BaseDirApplicationDocuments BaseDirectory = "applicationDocuments"
	BaseDirTemporary            BaseDirectory = "temporary"
	BaseDirApplicationSupport   BaseDirectory = "applicationSupport"
	BaseDirApplicationLibrary   BaseDirectory = "applicationLibrary"
	BaseDirRoot                 BaseDirectory = "root"
)

// Updates controls which update streams a task wants delivered.
type Updates string

const (
	UpdatesNone              Updates = "none"
	UpdatesStatus            Updates = "status"
	UpdatesProgress          Updates = "progress"
	UpdatesStatusAndProgress Updates = "statusAndProgress"
)

func (u Updates) WantsStatus() bool {
	return u == UpdatesStatus || u == UpdatesStatusAndProgress
}

func (u Updates) WantsProgress() bool {
	return u == UpdatesProgress || u == UpdatesStatusAndProgress
}

// WiFiRequirement is a task's own network-type preference; it combines
// with the process-wide policy to produce an effective requirement (see
// EffectiveRequiresWiFi).
type WiFiRequirement string

const (
	WiFiAsSetByTask WiFiRequirement = "asSetByTask"
	WiFiForAllTasks WiFiRequirement = "forAllTasks"
	WiFiForNoTasks  WiFiRequirement = "forNoTasks"
)

// FilenameDeriveFromServer is the sentinel Filename value meaning "derive
// the real filename from the response" (Content-Disposition or URL path).
const FilenameDeriveFromServer = "?"

// UploadFile names one local file attached as a part of a MultiUploadTask.
// An UploadTask instead uses its own FileField/Filename directly, since a
// single-file upload is just a list of one with no need for a slice.
type UploadFile struct {
	FieldName string
	Filename  string
}

// Task is the immutable unit of work the engine schedules. Mutation is
// only ever performed through CopyWith, which returns a new value.
type Task struct {
	TaskID            string
	Kind              Kind
	URL               string
	Headers           map[string]string
	HTTPRequestMethod string
	// Post is nil for a plain GET/no-body request, the literal "binary"
	// for a raw-file upload body, or a literal request-body string.
	Post              *string
	Filename          string
	// UniqueFilename requests " (N)" collision numbering against the
	// destination directory instead of the default replace-if-exists move.
	UniqueFilename    bool
	Directory         string
	BaseDirectory     BaseDirectory
	Group             string
	MetaData          string
	Updates           Updates
	Retries           int
	RetriesRemaining  int
	RequiresWiFi      WiFiRequirement
	AllowPause        bool
	Priority          int
	MimeType          string
	FileField         string
	Fields            map[string]string
	Files             []UploadFile // additional parts for a MultiUploadTask
	CreationTime      time.Time
}

// CopyWith returns a deep copy of t with mutate applied to it. The
// original is never modified.
func (t Task) CopyWith(mutate func(*Task)) Task {
	c := t
	c.Headers = maps.Clone(t.Headers)
	c.Fields = maps.Clone(t.Fields)
	c.Files = slices.Clone(t.Files)
	if mutate != nil {
		mutate(&c)
	}
	return c
}

// Host returns the task URL's host, used for per-host concurrency caps
// and rate-limit pacing. Returns "" if the URL does not parse.
func (t Task) Host() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// EffectiveRequiresWiFi resolves the task's own requirement against the
// process-wide policy: forAllTasks => true, forNoTasks => false,
// asSetByTask => the task's own setting.
func (t Task) EffectiveRequiresWiFi(processPolicy WiFiRequirement) bool {
	switch processPolicy {
	case WiFiForAllTasks:
		return true
	case WiFiForNoTasks:
		return false
	default:
		return t.RequiresWiFi == WiFiForAllTasks
	}
}

// NeedsMultipart reports whether the upload path should use the
// multipart encoder rather than a raw binary body.
func (t Task) NeedsMultipart() bool {
	return t.Post == nil || *t.Post != "binary"
}
