package dispute

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/idgen"
)

var (
	ErrEvidenceTooLarge = errors.New("evidence file exceeds the size limit")
	ErrInvalidEvidence  = errors.New("invalid evidence")
)

// DefaultMaxEvidenceBytes is the declared-size limit for one evidence file.
const DefaultMaxEvidenceBytes int64 = 10 << 20

// EvidenceKind classifies an uploaded file.
type EvidenceKind string

const (
	EvidenceImage    EvidenceKind = "image"
	EvidenceDocument EvidenceKind = "document"
	EvidenceVideo    EvidenceKind = "video"
	EvidenceAudio    EvidenceKind = "audio"
	EvidenceOther    EvidenceKind = "other"
)

func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceImage, EvidenceDocument, EvidenceVideo, EvidenceAudio, EvidenceOther:
		return true
	}
	return false
}

// Evidence is a reference to a file uploaded elsewhere. It is never deleted.
type Evidence struct {
	ID             string       `json:"id"`
	DisputeID      string       `json:"disputeId"`
	UploadedBy     string       `json:"uploadedBy"`
	UploadedByRole actor.Role   `json:"uploadedByRole"`
	Kind           EvidenceKind `json:"evidenceType"`
	FileURL        string       `json:"fileUrl"`
	FileName       string       `json:"fileName"`
	FileSize       int64        `json:"fileSize"`
	FileType       string       `json:"fileType"`
	Checksum       string       `json:"checksum,omitempty"`
	Description    string       `json:"description,omitempty"`
	IsVerified     bool         `json:"isVerified"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// EvidenceRequest contains the parameters for attaching evidence.
type EvidenceRequest struct {
	Kind        EvidenceKind `json:"evidence_type"`
	FileURL     string       `json:"file_url"`
	FileName    string       `json:"file_name"`
	FileSize    int64        `json:"file_size"`
	FileType    string       `json:"file_type"`
	Checksum    string       `json:"checksum"`
	Description string       `json:"description"`
}

// AddEvidence attaches a file reference in any status except closed.
// maxBytes <= 0 uses DefaultMaxEvidenceBytes.
func (c *Case) AddEvidence(req EvidenceRequest, by actor.Actor, maxBytes int64, now time.Time) (*Evidence, *Action, error) {
	if c.Status == StatusClosed {
		return nil, nil, ErrDisputeClosed
	}
	if !req.Kind.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown evidence type %q", ErrInvalidEvidence, req.Kind)
	}
	u, err := url.Parse(req.FileURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, nil, fmt.Errorf("%w: file_url must be an absolute http(s) URL", ErrInvalidEvidence)
	}
	if strings.TrimSpace(req.FileName) == "" {
		return nil, nil, fmt.Errorf("%w: file_name is required", ErrInvalidEvidence)
	}
	if req.FileSize < 0 {
		return nil, nil, fmt.Errorf("%w: negative file_size", ErrInvalidEvidence)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEvidenceBytes
	}
	if req.FileSize > maxBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes, limit %d", ErrEvidenceTooLarge, req.FileSize, maxBytes)
	}

	ev := &Evidence{
		ID:             idgen.WithPrefix("evd_"),
		DisputeID:      c.ID,
		UploadedBy:     by.ID,
		UploadedByRole: by.Role,
		Kind:           req.Kind,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		FileType:       req.FileType,
		Checksum:       req.Checksum,
		Description:    req.Description,
		CreatedAt:      now,
	}
	c.UpdatedAt = now
	act := c.action(ActionEvidenceAdded, by, now, "evidence added: "+req.FileName, map[string]string{
		"evidence_id": ev.ID,
		"kind":        string(ev.Kind),
	})
	return ev, act, nil
}
