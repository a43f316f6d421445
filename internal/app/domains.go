package app

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"matheditor/internal/document"
	"matheditor/internal/logger"
	"matheditor/internal/store"
	"matheditor/internal/util"
)

const minSlugLength = 3

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

type DomainInput struct {
	Slug  string  `json:"slug"`
	Name  string  `json:"name"`
	Color *string `json:"color"`
	Icon  *string `json:"icon"`
}

func (s *Service) ListDomains(ctx context.Context, session Session) ([]store.Domain, error) {
	if !session.Authenticated() {
		return nil, document.ErrUnauthenticated
	}
	return s.store.ListDomains(ctx, session.UserID)
}

func (s *Service) GetDomain(ctx context.Context, session Session, domainID string) (store.Domain, error) {
	if !session.Authenticated() {
		return store.Domain{}, document.ErrUnauthenticated
	}
	return s.ownedDomain(ctx, session, domainID, "You do not have access to this domain")
}

func (s *Service) CreateDomain(ctx context.Context, session Session, input DomainInput) (store.Domain, error) {
	if !session.Authenticated() {
		return store.Domain{}, document.ErrUnauthenticated
	}
	slug, name, err := validateDomain(input)
	if err != nil {
		return store.Domain{}, err
	}
	if err := s.slugFree(ctx, slug, ""); err != nil {
		return store.Domain{}, err
	}
	created, err := s.store.InsertDomain(ctx, store.Domain{
		ID:     util.NewID(),
		Slug:   slug,
		Name:   name,
		UserID: session.UserID,
		Color:  normalizeOptional(input.Color),
		Icon:   normalizeOptional(input.Icon),
	})
	if errors.Is(err, document.ErrAlreadyExists) {
		return store.Domain{}, slugTaken()
	}
	if err != nil {
		return store.Domain{}, err
	}
	s.log.Info("domain created", logger.String("domain_id", created.ID), logger.String("user_id", session.UserID))
	return created, nil
}

func (s *Service) UpdateDomain(ctx context.Context, session Session, domainID string, input DomainInput) (store.Domain, error) {
	if !session.Authenticated() {
		return store.Domain{}, document.ErrUnauthenticated
	}
	current, err := s.ownedDomain(ctx, session, domainID, "Only the domain owner can update it")
	if err != nil {
		return store.Domain{}, err
	}
	if strings.TrimSpace(input.Slug) == "" {
		input.Slug = current.Slug
	}
	if strings.TrimSpace(input.Name) == "" {
		input.Name = current.Name
	}
	slug, name, err := validateDomain(input)
	if err != nil {
		return store.Domain{}, err
	}
	if err := s.slugFree(ctx, slug, current.ID); err != nil {
		return store.Domain{}, err
	}
	current.Slug = slug
	current.Name = name
	if input.Color != nil {
		current.Color = normalizeOptional(input.Color)
	}
	if input.Icon != nil {
		current.Icon = normalizeOptional(input.Icon)
	}
	updated, err := s.store.UpdateDomain(ctx, current)
	if errors.Is(err, document.ErrAlreadyExists) {
		return store.Domain{}, slugTaken()
	}
	return updated, err
}

func (s *Service) DeleteDomain(ctx context.Context, session Session, domainID string) error {
	if !session.Authenticated() {
		return document.ErrUnauthenticated
	}
	if _, err := s.ownedDomain(ctx, session, domainID, "Only the domain owner can delete it"); err != nil {
		return err
	}
	if err := s.store.DeleteDomain(ctx, domainID); err != nil {
		return err
	}
	s.log.Info("domain deleted", logger.String("domain_id", domainID), logger.String("user_id", session.UserID))
	return nil
}

// ownedDomain loads the domain and refuses anyone but its owner with an explicit 403.
func (s *Service) ownedDomain(ctx context.Context, session Session, domainID, message string) (store.Domain, error) {
	domain, err := s.store.GetDomain(ctx, domainID)
	if err != nil {
		return store.Domain{}, err
	}
	if domain.UserID != session.UserID {
		return store.Domain{}, forbidden(message)
	}
	return domain, nil
}

func (s *Service) slugFree(ctx context.Context, slug, domainID string) error {
	existing, err := s.store.GetDomainBySlug(ctx, slug)
	if errors.Is(err, document.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID != domainID {
		return slugTaken()
	}
	return nil
}

func validateDomain(input DomainInput) (slug, name string, err error) {
	slug = strings.ToLower(strings.TrimSpace(input.Slug))
	if len(slug) < minSlugLength {
		return "", "", &document.ValidationError{Field: "slug", Message: "slug must be at least 3 characters"}
	}
	if !slugPattern.MatchString(slug) {
		return "", "", &document.ValidationError{Field: "slug", Message: "slug may only contain letters, numbers and hyphens"}
	}
	if util.IsUUID(slug) {
		return "", "", &document.ValidationError{Field: "slug", Message: "slug must not be a UUID"}
	}
	name, err = document.ValidateName(input.Name)
	if err != nil {
		return "", "", err
	}
	return slug, name, nil
}

func slugTaken() error {
	return &document.ValidationError{Field: "slug", Message: "slug is already taken", Err: document.ErrAlreadyExists}
}
