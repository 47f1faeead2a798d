package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/palm-detector/server/models"
)

const dirPerm = 0o755

// OwnerFile sits in a namespace's upload directory and records the email
// that first claimed the namespace.
const OwnerFile = ".owner"

var namespaceReplacer = strings.NewReplacer("@", "_", ".", "_")

// Namespace maps an email to its storage partition name. Clients rebuild the
// same value on their side, so the rule must not change. Distinct emails can
// map to the same name; the owner record settles which one holds it.
func Namespace(email string) string {
	return namespaceReplacer.Replace(email)
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}

type Resolver struct {
	uploadRoot string
	resultRoot string
}

// NewResolver creates both storage roots. A failure here means the service
// cannot store anything and should not start.
func NewResolver(uploadRoot, resultRoot string) (*Resolver, error) {
	for _, dir := range []string{uploadRoot, resultRoot} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create storage root %q: %w", dir, err)
		}
	}

	return &Resolver{
		uploadRoot: uploadRoot,
		resultRoot: resultRoot,
	}, nil
}

// Resolve returns the principal's workspace, creating its directories on
// first use. The principal must already be verified.
func (r *Resolver) Resolve(principal *models.Principal) (*models.Workspace, error) {
	if principal == nil || principal.Email == "" {
		return nil, models.NewError(models.KindStorageFailure, "principal has no email", nil)
	}

	ws := r.Lookup(Namespace(principal.Email))
	if !ValidSegment(ws.Namespace) {
		return nil, models.NewError(models.KindStorageFailure, "unusable namespace", nil)
	}

	for _, dir := range []string{ws.UploadDir, ws.ResultDir} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, models.Wrap(models.ErrStorageFailure, err)
		}
	}

	owner, err := claim(filepath.Join(ws.UploadDir, OwnerFile), principal.Email)
	if err != nil {
		return nil, models.Wrap(models.ErrStorageFailure, err)
	}
	if owner != principal.Email {
		return nil, models.NewError(models.KindStorageFailure,
			fmt.Sprintf("namespace %s belongs to another account", ws.Namespace), nil)
	}

	return ws, nil
}

// Owner returns the email that claimed namespace, or "" if nobody has.
func (r *Resolver) Owner(namespace string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.uploadRoot, namespace, OwnerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// claim records email as the owner at path unless an owner exists already,
// and returns whichever owner is on record. The record is staged in a temp
// file and linked into place so readers never see a partial write.
func claim(path, email string) (string, error) {
	existing, err := os.ReadFile(path)
	if err == nil {
		return string(existing), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), OwnerFile+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(email); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Link(tmp.Name(), path); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", err
	}

	existing, err = os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(existing), nil
}

// Lookup returns the directories of a namespace without creating them.
func (r *Resolver) Lookup(namespace string) *models.Workspace {
	return &models.Workspace{
		Namespace: namespace,
		UploadDir: filepath.Join(r.uploadRoot, namespace),
		ResultDir: filepath.Join(r.resultRoot, namespace),
	}
}
