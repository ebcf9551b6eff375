package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/xiebiao/marketplace/internal/domain/inventory"
)

// 内存实现的端口替身
//
// 教学说明：引擎只依赖领域端口，测试用内存实现替代MySQL/Redis，
// 重点验证编排语义（锁、不变式、台账、事件），不测SQL本身。
// fakeStore持共享状态，三个仓储端口由薄适配器实现。

// fakeLocker 内存分布式锁
// Acquire/Release语义与Redis实现一致：占用中返回false而不是阻塞
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
	return nil
}

func (l *fakeLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// fakeTxManager 直通事务管理器
// 内存存储没有回滚，测试通过"失败路径不产生写入"来验证原子性
type fakeTxManager struct{}

func (m *fakeTxManager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeStore 内存共享状态
// 读写都走深拷贝，模拟数据库的读取快照语义
type fakeStore struct {
	mu           sync.Mutex
	nextID       uint
	records      map[string]*domain.InventoryRecord
	ledger       []*domain.LedgerEntry
	reservations map[string]*domain.Reservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:      make(map[string]*domain.InventoryRecord),
		reservations: make(map[string]*domain.Reservation),
	}
}

func recordKey(variantID, sellerID uint) string {
	return fmt.Sprintf("%d:%d", variantID, sellerID)
}

func (s *fakeStore) ledgerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

// seedReservation 直接写入一条预留（绕过引擎，构造过期等场景）
func (s *fakeStore) seedReservation(res *domain.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *res
	s.reservations[res.ID] = &cp
}

// setBackorders 开关指定记录的backorder标记
func (s *fakeStore) setBackorders(variantID, sellerID uint, allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey(variantID, sellerID)].AllowBackorders = allow
}

// corruptRecord 直接篡改库存记录（绕过引擎，构造对账漂移场景）
func (s *fakeStore) corruptRecord(variantID, sellerID uint, total, reserved int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[recordKey(variantID, sellerID)]
	rec.TotalQuantity = total
	rec.ReservedQuantity = reserved
}

// fakeRecordRepo 库存记录仓储替身
type fakeRecordRepo struct {
	s *fakeStore
}

func (r *fakeRecordRepo) Get(ctx context.Context, variantID, sellerID uint) (*domain.InventoryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[recordKey(variantID, sellerID)]
	if !ok {
		return nil, domain.ErrInventoryNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRecordRepo) GetForUpdate(ctx context.Context, variantID, sellerID uint) (*domain.InventoryRecord, error) {
	return r.Get(ctx, variantID, sellerID)
}

func (r *fakeRecordRepo) CreateDefault(ctx context.Context, variantID, sellerID uint) (*domain.InventoryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := recordKey(variantID, sellerID)
	if rec, ok := r.s.records[key]; ok {
		cp := *rec
		return &cp, nil
	}

	rec := domain.NewDefaultRecord(variantID, sellerID)
	r.s.nextID++
	rec.ID = r.s.nextID
	r.s.records[key] = rec

	cp := *rec
	return &cp, nil
}

func (r *fakeRecordRepo) Update(ctx context.Context, rec *domain.InventoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := recordKey(rec.VariantID, rec.SellerID)
	if _, ok := r.s.records[key]; !ok {
		return domain.ErrInventoryNotFound
	}
	cp := *rec
	r.s.records[key] = &cp
	return nil
}

func (r *fakeRecordRepo) List(ctx context.Context, offset, limit int) ([]*domain.InventoryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	all := make([]*domain.InventoryRecord, 0, len(r.s.records))
	for _, rec := range r.s.records {
		cp := *rec
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// fakeLedgerRepo 台账仓储替身（只增不改）
type fakeLedgerRepo struct {
	s *fakeStore
}

func (r *fakeLedgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *entry
	cp.ID = uint(len(r.s.ledger) + 1)
	cp.CreatedAt = time.Now()
	r.s.ledger = append(r.s.ledger, &cp)
	return nil
}

func (r *fakeLedgerRepo) ListByInventoryID(ctx context.Context, inventoryID uint, page, pageSize int) ([]*domain.LedgerEntry, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// 创建时间倒序
	var matched []*domain.LedgerEntry
	for i := len(r.s.ledger) - 1; i >= 0; i-- {
		if r.s.ledger[i].InventoryID == inventoryID {
			cp := *r.s.ledger[i]
			matched = append(matched, &cp)
		}
	}

	total := int64(len(matched))
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *fakeLedgerRepo) ListByReference(ctx context.Context, referenceID string) ([]*domain.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*domain.LedgerEntry
	for _, e := range r.s.ledger {
		if e.ReferenceID == referenceID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	return matched, nil
}

func (r *fakeLedgerRepo) Replay(ctx context.Context, inventoryID uint) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var entries []*domain.LedgerEntry
	for _, e := range r.s.ledger {
		if e.InventoryID == inventoryID {
			entries = append(entries, e)
		}
	}
	total, reserved := domain.Replay(entries)
	return total, reserved, nil
}

// fakeReservationRepo 预留仓储替身
type fakeReservationRepo struct {
	s *fakeStore
}

func (r *fakeReservationRepo) Create(ctx context.Context, res *domain.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.reservations[res.ID]; ok {
		return domain.ErrInvalidReservation
	}
	cp := *res
	r.s.reservations[res.ID] = &cp
	return nil
}

func (r *fakeReservationRepo) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *fakeReservationRepo) GetByOrderID(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*domain.Reservation
	for _, res := range r.s.reservations {
		if res.OrderID == orderID {
			cp := *res
			matched = append(matched, &cp)
		}
	}
	return matched, nil
}

func (r *fakeReservationRepo) Update(ctx context.Context, res *domain.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.reservations[res.ID]; !ok {
		return domain.ErrReservationNotFound
	}
	cp := *res
	r.s.reservations[res.ID] = &cp
	return nil
}

func (r *fakeReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*domain.Reservation
	for _, res := range r.s.reservations {
		if res.Status == domain.ReservationStatusActive && !now.Before(res.ExpiresAt) {
			cp := *res
			matched = append(matched, &cp)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

func (r *fakeReservationRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.reservations[id]
	if !ok {
		return false, domain.ErrReservationNotFound
	}
	// 条件更新语义：状态竞争落空返回false而不是错误
	if err := res.MarkExpired(now); err != nil {
		return false, nil
	}
	return true, nil
}

// capturePublisher 捕获发布的事件供断言
type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(ctx context.Context, events []domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) captured() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]domain.Event, len(p.events))
	copy(cp, p.events)
	return cp
}

// newTestEngine 组装一套完整的测试引擎
func newTestEngine() (*Engine, *fakeStore, *fakeLocker, *capturePublisher) {
	store := newFakeStore()
	locker := newFakeLocker()
	publisher := &capturePublisher{}

	engine := NewEngine(
		&fakeRecordRepo{s: store},
		&fakeLedgerRepo{s: store},
		&fakeReservationRepo{s: store},
		&fakeTxManager{},
		locker,
		publisher,
		30*time.Second,
	)
	return engine, store, locker, publisher
}
