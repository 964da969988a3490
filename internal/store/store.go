// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the branch-local model store: one sqlite-backed gorm.DB
// shared by the App, Broker, Queue and Instance sub-stores.
type Store struct {
	db *gorm.DB

	Brokers   *BrokerStore
	Apps      *AppStore
	Queues    *QueueStore
	Instances *InstanceStore
}

// Open opens (creating if needed) the sqlite database at path and
// migrates all four entity tables.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&BrokerModel{}, &App{}, &Queue{}, &Instance{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db}
	s.Brokers = &BrokerStore{db: db}
	s.Apps = &AppStore{db: db, brokers: s.Brokers}
	s.Queues = &QueueStore{db: db}
	s.Instances = &InstanceStore{db: db, apps: s.Apps, queues: s.Queues}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("store: not found")

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
