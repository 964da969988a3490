// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package store

import "gorm.io/gorm"

// QueueStore implements the required CRUD surface for Queue records.
type QueueStore struct {
	db *gorm.DB
}

func (s *QueueStore) All() ([]Queue, error) {
	var out []Queue
	err := s.db.Find(&out).Error
	return out, err
}

func (s *QueueStore) Filter(query interface{}, args ...interface{}) ([]Queue, error) {
	var out []Queue
	err := s.db.Where(query, args...).Find(&out).Error
	return out, err
}

func (s *QueueStore) Get(name string) (*Queue, error) {
	var q Queue
	err := s.db.Where("name = ?", name).First(&q).Error
	if isRecordNotFound(err) {
		return nil, ErrNotFound
	}
	return &q, err
}

// GetOrCreate returns the named queue, creating it with exchange
// defaults equal to the name itself (the same default the Instance
// adapter's add_queue falls back to, spec §4.4) if it does not exist
// yet. Mirrors original_source/cyme/models/managers.py swallowing
// AlreadyExistsError into a lookup.
func (s *QueueStore) GetOrCreate(name string) (*Queue, error) {
	q, err := s.Get(name)
	if err == nil {
		return q, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	q = &Queue{
		Name:         name,
		Exchange:     name,
		ExchangeType: "direct",
		RoutingKey:   name,
		IsEnabled:    true,
	}
	if err := s.db.Create(q).Error; err != nil {
		if existing, gerr := s.Get(name); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return q, nil
}

func (s *QueueStore) Create(q *Queue) error {
	return s.db.Create(q).Error
}

func (s *QueueStore) Save(q *Queue) error {
	return s.db.Save(q).Error
}

func (s *QueueStore) Delete(q *Queue) error {
	return s.db.Delete(q).Error
}
