// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package store

import "gorm.io/gorm"

// AppStore implements the required CRUD surface for App records, plus
// get_default (spec §4.3).
type AppStore struct {
	db      *gorm.DB
	brokers *BrokerStore
}

func (s *AppStore) All() ([]App, error) {
	var out []App
	err := s.db.Find(&out).Error
	return out, err
}

func (s *AppStore) Filter(query interface{}, args ...interface{}) ([]App, error) {
	var out []App
	err := s.db.Where(query, args...).Find(&out).Error
	return out, err
}

func (s *AppStore) Get(name string) (*App, error) {
	var a App
	err := s.db.Where("name = ?", name).First(&a).Error
	if isRecordNotFound(err) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (s *AppStore) GetOrCreate(name string) (*App, error) {
	a, err := s.Get(name)
	if err == nil {
		return a, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	a = &App{Name: name}
	if err := s.db.Create(a).Error; err != nil {
		if existing, gerr := s.Get(name); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return a, nil
}

// GetDefault returns the designated default application, creating it
// via get_or_create on first use — avoiding the check-then-insert race
// spec §9 open question (c) calls out.
func (s *AppStore) GetDefault() (*App, error) {
	return s.GetOrCreate(DefaultAppName)
}

func (s *AppStore) Create(a *App) error {
	return s.db.Create(a).Error
}

func (s *AppStore) Save(a *App) error {
	return s.db.Save(a).Error
}

func (s *AppStore) Delete(a *App) error {
	return s.db.Delete(a).Error
}

// GetBroker returns the app's overridden broker, or the process
// default if the app has none set (spec §3: App.get_broker()).
func (s *AppStore) GetBroker(a *App) (*BrokerModel, error) {
	if a.BrokerID != nil {
		return s.brokers.Get(*a.BrokerID)
	}
	return s.brokers.GetDefault()
}
