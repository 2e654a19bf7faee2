// Package memstore is an in-process implementation of store.TxManager.
//
// Every unit of work runs against a private copy of the dataset under a single
// mutex and is published only when fn returns nil, so a failed unit leaves no
// trace. It mirrors the unique and check constraints of schema.sql.
//
// Copying costs O(rows) per unit of work and all units are serialized, so the
// store is meant for tests and demos. The append-only logs are shared with the
// committed dataset instead of copied.
package memstore

import (
	"context"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

type dataset struct {
	nextID      int64
	products    map[int64]models.Product
	orders      map[int64]models.Order
	items       map[int64]models.OrderItem
	payments    map[int64]models.PaymentTransaction
	coupons     map[int64]models.Coupon
	usages      map[int64]models.CouponUsage
	customers   map[int64]models.Customer
	adjustments []models.InventoryAdjustment
	audit       []models.AuditEvent
	processed   map[string]string
}

func newDataset() *dataset {
	return &dataset{
		products:  make(map[int64]models.Product),
		orders:    make(map[int64]models.Order),
		items:     make(map[int64]models.OrderItem),
		payments:  make(map[int64]models.PaymentTransaction),
		coupons:   make(map[int64]models.Coupon),
		usages:    make(map[int64]models.CouponUsage),
		customers: make(map[int64]models.Customer),
		processed: make(map[string]string),
	}
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		nextID:      d.nextID,
		products:    make(map[int64]models.Product, len(d.products)),
		orders:      make(map[int64]models.Order, len(d.orders)),
		items:       make(map[int64]models.OrderItem, len(d.items)),
		payments:    make(map[int64]models.PaymentTransaction, len(d.payments)),
		coupons:     make(map[int64]models.Coupon, len(d.coupons)),
		usages:      make(map[int64]models.CouponUsage, len(d.usages)),
		customers:   make(map[int64]models.Customer, len(d.customers)),
		adjustments: d.adjustments,
		audit:       d.audit,
		processed:   make(map[string]string, len(d.processed)),
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.coupons {
		c.coupons[k] = v
	}
	for k, v := range d.usages {
		c.usages[k] = v
	}
	for k, v := range d.customers {
		c.customers[k] = v
	}
	for k, v := range d.processed {
		c.processed[k] = v
	}
	return c
}

// The append-only slices share a backing array with the committed dataset. Units
// of work are serialized and the committed length is only replaced on success,
// so entries appended by a failed unit stay beyond that length and are never read.

func (d *dataset) id() int64 {
	d.nextID++
	return d.nextID
}

// Store holds the committed dataset.
type Store struct {
	mu   sync.Mutex
	data *dataset

	clockMu sync.Mutex
	last    time.Time
}

var _ store.TxManager = (*Store)(nil)

func New() *Store {
	return &Store{data: newDataset()}
}

// WithinTx runs fn against a snapshot and commits it only on success.
func (s *Store) WithinTx(ctx context.Context, fn func(r store.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.data.clone()
	if err := fn(&repos{s: s, d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// now returns strictly increasing timestamps so updated_at works as a version.
func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// SeedProduct inserts a product directly and returns it with its id.
func (s *Store) SeedProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.data.id()
	} else if p.ID > s.data.nextID {
		s.data.nextID = p.ID
	}
	if p.StockStatus == "" {
		p.StockStatus = p.DeriveStockStatus()
	}
	p.UpdatedAt = s.now()
	s.data.products[p.ID] = p
	return p
}

// SeedCoupon inserts a coupon directly and returns it with its id.
func (s *Store) SeedCoupon(c models.Coupon) models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		c.ID = s.data.id()
	} else if c.ID > s.data.nextID {
		s.data.nextID = c.ID
	}
	if c.UserSegment == "" {
		c.UserSegment = models.SegmentAll
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.data.coupons[c.ID] = c
	return c
}

func (s *Store) SeedCustomer(c models.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.customers[c.ID] = c
}
