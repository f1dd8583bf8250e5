package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
)

// contactAddressPattern covers both org ("acme") and agent ("acme/alice")
// contact addresses.
var contactAddressPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)

type contactRepo interface {
	Create(ctx context.Context, projectID uuid.UUID, address, label string) (*model.Contact, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*model.Contact, error)
	Delete(ctx context.Context, projectID, contactID uuid.UUID) error
	ExistsForAddresses(ctx context.Context, projectID uuid.UUID, exact, org string) (bool, error)
}

type contactProjectRepo interface {
	GetBySlug(ctx context.Context, slug string) (*model.Project, error)
}

// ContactsService manages the per-project contact list and answers the
// access question for contacts_only recipients.
type ContactsService struct {
	contacts contactRepo
	projects contactProjectRepo
	logger   *zap.Logger
}

// NewContactsService wires the contacts service.
func NewContactsService(contacts contactRepo, projects contactProjectRepo, logger *zap.Logger) *ContactsService {
	return &ContactsService{contacts: contacts, projects: projects, logger: logger}
}

// Add registers a contact address. A project cannot add itself or its own
// agents; the gate already admits same-project senders.
func (s *ContactsService) Add(ctx context.Context, project *model.Project, address, label string) (*model.Contact, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, &ErrValidation{Msg: "contact_address is required"}
	}
	if !contactAddressPattern.MatchString(address) {
		return nil, &ErrValidation{Msg: "Invalid contact_address format"}
	}
	if address == project.Slug || strings.HasPrefix(address, project.Slug+"/") {
		return nil, &ErrBadRequest{Msg: "Cannot add self as contact"}
	}

	contact, err := s.contacts.Create(ctx, project.ID, address, label)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, &ErrConflict{Msg: "Contact already exists"}
	}
	if err != nil {
		return nil, err
	}
	return contact, nil
}

// List returns the project's contacts.
func (s *ContactsService) List(ctx context.Context, projectID uuid.UUID) ([]*model.Contact, error) {
	return s.contacts.List(ctx, projectID)
}

// Remove deletes a contact. Idempotent.
func (s *ContactsService) Remove(ctx context.Context, projectID, contactID uuid.UUID) error {
	return s.contacts.Delete(ctx, projectID, contactID)
}

// CheckAccess reports whether senderAddress ("slug/alias" or "slug") may
// reach the target agent. Open agents accept anyone; same-project senders
// are always admitted; otherwise the target project's contact list decides,
// matching either the exact address or its org prefix.
func (s *ContactsService) CheckAccess(ctx context.Context, target *model.Agent, senderAddress string) (bool, error) {
	if target == nil {
		return false, nil
	}
	if target.AccessMode != model.AccessModeContactsOnly {
		return true, nil
	}

	org := senderAddress
	if i := strings.Index(senderAddress, "/"); i >= 0 {
		org = senderAddress[:i]
	}
	senderProject, err := s.projects.GetBySlug(ctx, org)
	if err == nil && senderProject.ID == target.ProjectID {
		return true, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}

	return s.contacts.ExistsForAddresses(ctx, target.ProjectID, senderAddress, org)
}
