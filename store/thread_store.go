package store

import (
	"context"
	"strings"

	"github.com/loomworks/loom/apperr"
)

// mapDriverErr translates a driver failure into the shared taxonomy.
// Permission-denied signals from the backend become UNAUTHORIZED, everything
// else DATABASE_ERROR.
func mapDriverErr(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied") {
		return apperr.Wrap(err, apperr.Unauthorized, "%s", op)
	}
	return apperr.Wrap(err, apperr.DatabaseError, "%s", op)
}

// CreateThread creates a new conversation thread.
func (s *Store) CreateThread(ctx context.Context, create *Thread) (*Thread, error) {
	thread, err := s.driver.CreateThread(ctx, create)
	if err != nil {
		return nil, mapDriverErr(err, "create thread")
	}
	return thread, nil
}

// ListThreads lists threads matching the given filter.
func (s *Store) ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error) {
	threads, err := s.driver.ListThreads(ctx, find)
	if err != nil {
		return nil, mapDriverErr(err, "list threads")
	}
	return threads, nil
}

// GetThread returns the first thread matching the given filter, or nil when
// none matches.
func (s *Store) GetThread(ctx context.Context, find *FindThread) (*Thread, error) {
	thread, err := s.driver.GetThread(ctx, find)
	if err != nil {
		return nil, mapDriverErr(err, "get thread")
	}
	return thread, nil
}

// UpdateThread updates a thread's mutable fields. A non-nil Objectives
// replaces the stored objectives wholesale.
func (s *Store) UpdateThread(ctx context.Context, update *UpdateThread) (*Thread, error) {
	thread, err := s.driver.UpdateThread(ctx, update)
	if err != nil {
		return nil, mapDriverErr(err, "update thread")
	}
	return thread, nil
}

// DeleteThread deletes a thread and all its message fragments (cascade).
func (s *Store) DeleteThread(ctx context.Context, uid string) error {
	return mapDriverErr(s.driver.DeleteThread(ctx, uid), "delete thread")
}

// CreateMessageFragment persists a new message fragment.
func (s *Store) CreateMessageFragment(ctx context.Context, create *MessageFragment) (*MessageFragment, error) {
	frag, err := s.driver.CreateMessageFragment(ctx, create)
	if err != nil {
		return nil, mapDriverErr(err, "create message fragment")
	}
	return frag, nil
}

// ListMessageFragments returns fragments for a thread ordered by
// (order index, chunk index) ascending.
func (s *Store) ListMessageFragments(ctx context.Context, find *FindMessageFragment) ([]*MessageFragment, error) {
	frags, err := s.driver.ListMessageFragments(ctx, find)
	if err != nil {
		return nil, mapDriverErr(err, "list message fragments")
	}
	return frags, nil
}

// NextOrderIndex returns the next free order index for the thread, starting
// at 0 for an empty thread. The read is not serialized against concurrent
// turns on the same thread.
func (s *Store) NextOrderIndex(ctx context.Context, threadID int32) (int32, error) {
	next, err := s.driver.NextOrderIndex(ctx, threadID)
	if err != nil {
		return 0, mapDriverErr(err, "next order index")
	}
	return next, nil
}

// DeleteMessageFragments deletes all fragments for the given thread.
func (s *Store) DeleteMessageFragments(ctx context.Context, threadID int32) error {
	return mapDriverErr(s.driver.DeleteMessageFragments(ctx, threadID), "delete message fragments")
}
