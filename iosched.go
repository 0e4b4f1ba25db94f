// Package iosched provides IOPS-fair scheduled block queues on top of a
// pluggable storage backend
package iosched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-iosched/internal/blk"
	"github.com/ehrlich-b/go-iosched/internal/constants"
	"github.com/ehrlich-b/go-iosched/internal/fiops"
	"github.com/ehrlich-b/go-iosched/internal/interfaces"
	"github.com/ehrlich-b/go-iosched/internal/ioc"
	"github.com/ehrlich-b/go-iosched/internal/logging"
	"github.com/ehrlich-b/go-iosched/internal/queue"
)

// Backend is the storage a device dispatches to
type Backend = interfaces.Backend

// StatBackend is a Backend that reports statistics
type StatBackend = interfaces.StatBackend

// Task is a submitter of I/O. Each task gets its own scheduler context on
// every device it uses; tasks created with Clone share one.
type Task = ioc.Task

// Bio is one contiguous I/O submitted by a task
type Bio = blk.Bio

// Direction of a bio
type Direction = blk.Direction

const (
	Read  = blk.Read
	Write = blk.Write
)

// SchedulerStats is the fiops state of a device
type SchedulerStats = fiops.Stats

// NewTask creates a task. pid only labels logs and stats.
func NewTask(pid int) *Task {
	return ioc.NewTask(pid)
}

// Logger is the minimal logger Options accepts
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

var nextDeviceID atomic.Uint32

// Device is a scheduled block queue serving one backend
type Device struct {
	// ID identifies the device in logs and metrics
	ID uint32

	// Backend is the backend implementation
	Backend Backend

	ctx    context.Context
	cancel context.CancelFunc

	q      *blk.Queue
	runner *queue.Runner
	log    *logging.Logger

	depth      int
	maxSectors uint32
	readOnly   bool

	mu      sync.Mutex
	started bool
	closed  bool
	// closeMu serializes Close calls
	closeMu sync.Mutex

	// ioMu is held shared across a submission; stopped is set under the
	// write lock, so once it is observed no submission is still on its way
	// into the queue
	ioMu    sync.RWMutex
	stopped bool

	metrics  *Metrics
	observer Observer
}

// Params contains parameters for opening a device
type Params struct {
	// Backend provides the storage implementation
	Backend Backend

	// Queue configuration
	QueueDepth int    // Requests in flight against the backend (default: 32)
	MaxIOSize  int    // Largest request in bytes, merges stop there (default: 1MB)
	Elevator   string // Registered elevator to attach (default: "fiops")

	// Scheduler tunables, 0 keeps the elevator default
	ReadScale   uint32 // Divides the cost of every request
	WriteScale  uint32 // Multiplies the cost of writes
	MaxContexts uint32 // Caps scheduler contexts per device, 0 for no cap

	// Device attributes
	ReadOnly bool // Reject writes

	// DeviceID requests a specific ID (-1 for auto)
	DeviceID int32
}

// DefaultParams returns default device parameters
func DefaultParams(backend Backend) Params {
	return Params{
		Backend:    backend,
		QueueDepth: constants.DefaultQueueDepth,
		MaxIOSize:  constants.DefaultMaxIOSize,
		Elevator:   constants.DefaultElevator,
		DeviceID:   constants.AutoAssignDeviceID,
	}
}

// Options contains additional options for opening a device
type Options struct {
	// Context for cancellation (if nil, uses the ctx passed to Open)
	Context context.Context

	// Logger for lifecycle messages (if nil, no extra logging)
	Logger Logger

	// Observer for metrics collection (if nil, the device Metrics are fed)
	Observer Observer
}

func (p *Params) validate() error {
	if p.Backend == nil {
		return NewError("OPEN", ErrCodeInvalidParameters, "backend is required")
	}
	if p.Backend.Size() < constants.SectorSize {
		return NewError("OPEN", ErrCodeInvalidParameters, "backend is smaller than one sector")
	}
	if p.QueueDepth < 0 {
		return NewError("OPEN", ErrCodeInvalidParameters, "invalid queue depth")
	}
	if p.MaxIOSize < 0 || p.MaxIOSize%constants.SectorSize != 0 {
		return NewError("OPEN", ErrCodeInvalidParameters, "max I/O size must be a multiple of the sector size")
	}
	for _, s := range []uint32{p.ReadScale, p.WriteScale} {
		if s != 0 && (s < constants.MinScale || s > constants.MaxScale) {
			return NewError("OPEN", ErrCodeInvalidParameters,
				fmt.Sprintf("scale %d outside [%d, %d]", s, constants.MinScale, constants.MaxScale))
		}
	}
	return nil
}

// Open creates a device with the given parameters and starts serving I/O.
//
// The device serves I/O until Close is called or ctx is cancelled. Once ctx
// is cancelled the device rejects new I/O and ends whatever is still queued
// with ErrDeviceOffline; Close then only detaches the elevator.
//
// Example:
//
//	params := iosched.DefaultParams(backend.NewMemory(64 << 20))
//	dev, err := iosched.Open(context.Background(), params, nil)
func Open(ctx context.Context, params Params, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	if params.QueueDepth == 0 {
		params.QueueDepth = constants.DefaultQueueDepth
	}
	if params.MaxIOSize == 0 {
		params.MaxIOSize = constants.DefaultMaxIOSize
	}
	if params.Elevator == "" {
		params.Elevator = constants.DefaultElevator
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if err := fiops.Register(); err != nil {
		return nil, WrapError("OPEN", err)
	}

	devID := uint32(params.DeviceID)
	if params.DeviceID < 0 {
		devID = nextDeviceID.Add(1) - 1
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	log := logging.Default().WithDevice(int(devID))
	device := &Device{
		ID:         devID,
		Backend:    params.Backend,
		log:        log,
		depth:      params.QueueDepth,
		maxSectors: uint32(params.MaxIOSize >> constants.SectorShift),
		readOnly:   params.ReadOnly,
		metrics:    metrics,
		observer:   observer,
	}
	device.ctx, device.cancel = context.WithCancel(ctx)

	device.q = blk.NewQueue(blk.Config{
		MaxSectors: device.maxSectors,
		Logger:     log,
		Observer:   observer,
	})
	if err := device.q.InitElevator(params.Elevator); err != nil {
		device.cancel()
		return nil, WrapError("OPEN", err)
	}

	for _, kv := range []struct {
		name string
		val  uint32
	}{
		{"read_scale", params.ReadScale},
		{"write_scale", params.WriteScale},
		{"max_contexts", params.MaxContexts},
	} {
		if kv.val == 0 {
			continue
		}
		if _, err := device.q.StoreAttr(kv.name, fmt.Sprint(kv.val)); err != nil {
			device.q.Close(context.Background())
			device.cancel()
			return nil, WrapError("OPEN", err)
		}
	}

	runner, err := queue.NewRunner(device.ctx, queue.Config{
		DevID:    devID,
		Queue:    device.q,
		Depth:    params.QueueDepth,
		Backend:  params.Backend,
		Logger:   log,
		Observer: observer,
	})
	if err != nil {
		device.q.Close(context.Background())
		device.cancel()
		return nil, WrapError("OPEN", err)
	}
	device.runner = runner

	if err := runner.Start(); err != nil {
		device.q.Close(context.Background())
		device.cancel()
		return nil, WrapError("OPEN", err)
	}
	device.mu.Lock()
	device.started = true
	device.mu.Unlock()
	go device.watch()

	log.InfoContext(ctx, "device opened", "elevator", params.Elevator, "depth", params.QueueDepth,
		"size", params.Backend.Size())
	if options.Logger != nil {
		options.Logger.Printf("Device %d opened with elevator %s", devID, params.Elevator)
	}

	return device, nil
}

// Submit queues bio for asynchronous execution. bio.Done is called once the
// request carrying it completes. An error means bio was not queued and
// Done will not be called.
func (d *Device) Submit(bio *Bio) error {
	if bio == nil || bio.Task == nil || bio.Sectors == 0 {
		return NewDeviceError("SUBMIT", d.ID, ErrCodeInvalidParameters, "bio needs a task and a length")
	}
	if bio.Sectors > d.maxSectors {
		return d.taskError("SUBMIT", bio.Task, ErrCodeInvalidParameters, "bio exceeds max I/O size")
	}
	if bio.End() > uint64(d.Size()>>constants.SectorShift) {
		return d.taskError("SUBMIT", bio.Task, ErrCodeInvalidParameters, "bio beyond end of device")
	}
	if bio.Data != nil && len(bio.Data) != bio.Bytes() {
		return d.taskError("SUBMIT", bio.Task, ErrCodeInvalidParameters, "bio data does not match its length")
	}
	if bio.Dir == Write && d.readOnly {
		return d.taskError("SUBMIT", bio.Task, ErrCodeReadOnly, "")
	}

	d.ioMu.RLock()
	defer d.ioMu.RUnlock()
	if d.stopped || d.ctx.Err() != nil {
		return d.taskError("SUBMIT", bio.Task, ErrCodeDeviceOffline, "device stopped")
	}
	if err := d.q.Submit(bio); err != nil {
		e := WrapError("SUBMIT", err)
		e.Device = d.ID
		e.Task = bio.Task.PID()
		return e
	}
	return nil
}

// stop makes Submit reject everything from now on
func (d *Device) stop() {
	d.ioMu.Lock()
	d.stopped = true
	d.ioMu.Unlock()
}

// watch fails the queue once the device context ends without a Close
func (d *Device) watch() {
	<-d.ctx.Done()

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	d.stop()
	d.failQueued()
}

// failQueued stops the runner and ends every request it will never serve
func (d *Device) failQueued() {
	d.runner.Stop()
	n := d.q.Fail(NewDeviceError("IO", d.ID, ErrCodeDeviceOffline, "device stopped"))
	if n > 0 {
		d.log.Warn("device stopped with requests queued", "failed", n)
	}
}

func (d *Device) taskError(op string, t *Task, code ErrorCode, msg string) *Error {
	e := NewDeviceError(op, d.ID, code, msg)
	e.Task = t.PID()
	return e
}

// ReadAt reads len(p) bytes at off on behalf of t and waits for the result.
// off and len(p) must be sector aligned.
func (d *Device) ReadAt(t *Task, p []byte, off int64) (int, error) {
	return d.rw("READ", Read, t, p, off)
}

// WriteAt writes p at off on behalf of t and waits for the result.
// off and len(p) must be sector aligned.
func (d *Device) WriteAt(t *Task, p []byte, off int64) (int, error) {
	return d.rw("WRITE", Write, t, p, off)
}

func (d *Device) rw(op string, dir Direction, t *Task, p []byte, off int64) (int, error) {
	if t == nil {
		return 0, NewDeviceError(op, d.ID, ErrCodeInvalidParameters, "task is required")
	}
	if off < 0 || off%constants.SectorSize != 0 || len(p)%constants.SectorSize != 0 {
		return 0, d.taskError(op, t, ErrCodeInvalidParameters, "unaligned I/O")
	}
	if len(p) == 0 {
		return 0, nil
	}

	// split on the max I/O size; the scheduler merges adjacent pieces back
	// when they are queued together
	chunk := int(d.maxSectors) << constants.SectorShift
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		ioErr   error
	)
	done := func(_ *Bio, err error) {
		if err != nil {
			errOnce.Do(func() { ioErr = err })
		}
		wg.Done()
	}

	submitted := 0
	for submitted < len(p) {
		n := min(chunk, len(p)-submitted)
		bio := &Bio{
			Sector:  uint64(off+int64(submitted)) >> constants.SectorShift,
			Sectors: uint32(n >> constants.SectorShift),
			Dir:     dir,
			Task:    t,
			Data:    p[submitted : submitted+n],
			Done:    done,
		}
		wg.Add(1)
		if err := d.Submit(bio); err != nil {
			wg.Done()
			wg.Wait()
			if ioErr != nil {
				return 0, WrapError(op, ioErr)
			}
			return submitted, WrapError(op, err)
		}
		submitted += n
	}

	wg.Wait()
	if ioErr != nil {
		e := WrapError(op, ioErr)
		e.Device = d.ID
		e.Task = t.PID()
		return 0, e
	}
	return submitted, nil
}

// Flush flushes the backend
func (d *Device) Flush() error {
	if err := d.runner.Flush(); err != nil {
		e := WrapError("FLUSH", err)
		e.Device = d.ID
		return e
	}
	return nil
}

// Attrs lists the elevator tunables
func (d *Device) Attrs() []string {
	return d.q.Attrs()
}

// ShowAttr returns the value of an elevator tunable, newline terminated
func (d *Device) ShowAttr(name string) (string, error) {
	s, err := d.q.ShowAttr(name)
	if err != nil {
		return "", WrapError("SHOW_ATTR", err)
	}
	return s, nil
}

// StoreAttr sets an elevator tunable and returns len(value)
func (d *Device) StoreAttr(name, value string) (int, error) {
	n, err := d.q.StoreAttr(name, value)
	if err != nil {
		return 0, WrapError("STORE_ATTR", err)
	}
	d.log.Debug("attribute stored", "attr", name, "value", value)
	return n, nil
}

// Elevator returns the name of the attached elevator
func (d *Device) Elevator() string {
	return d.q.ElevatorName()
}

// DeviceState represents the current state of a device
type DeviceState string

const (
	// DeviceStateCreated indicates the device has been created but not started
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning indicates the device is actively serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates the device has been closed or cancelled
	DeviceStateStopped DeviceState = "stopped"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}

	d.mu.Lock()
	started, closed := d.started, d.closed
	d.mu.Unlock()

	d.ioMu.RLock()
	stopped := d.stopped
	d.ioMu.RUnlock()

	if closed || stopped {
		return DeviceStateStopped
	}
	if !started {
		return DeviceStateCreated
	}
	if d.ctx != nil {
		select {
		case <-d.ctx.Done():
			return DeviceStateStopped
		default:
		}
	}
	return DeviceStateRunning
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// QueueDepth returns the queue depth configured for this device
func (d *Device) QueueDepth() int {
	return d.depth
}

// MaxIOSize returns the largest request in bytes
func (d *Device) MaxIOSize() int {
	return int(d.maxSectors) << constants.SectorShift
}

// DeviceID returns the device ID
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	if d.Backend == nil {
		return 0
	}
	return d.Backend.Size()
}

// SchedulerStats returns the fiops state, false for other elevators
func (d *Device) SchedulerStats() (SchedulerStats, bool) {
	return fiops.StatsOf(d.q)
}

// DeviceInfo contains comprehensive information about a device
type DeviceInfo struct {
	ID         uint32          `json:"id"`
	State      DeviceState     `json:"state"`
	Elevator   string          `json:"elevator"`
	QueueDepth int             `json:"queue_depth"`
	MaxIOSize  int             `json:"max_io_size"`
	Size       int64           `json:"size"`
	ReadOnly   bool            `json:"read_only"`
	Running    bool            `json:"running"`
	Pending    int             `json:"pending"`
	Dispatched int             `json:"dispatched"`
	InFlight   int             `json:"in_flight"`
	Scheduler  *SchedulerStats `json:"scheduler,omitempty"`
	Backend    map[string]any  `json:"backend,omitempty"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	state := d.State()
	info := DeviceInfo{
		ID:         d.ID,
		State:      state,
		Elevator:   d.Elevator(),
		QueueDepth: d.depth,
		MaxIOSize:  d.MaxIOSize(),
		Size:       d.Size(),
		ReadOnly:   d.readOnly,
		Running:    state == DeviceStateRunning,
		Pending:    d.q.Pending(),
		Dispatched: d.q.Dispatched(),
		InFlight:   d.runner.InFlight(),
	}
	if st, ok := d.SchedulerStats(); ok {
		info.Scheduler = &st
	}
	if sb, ok := d.Backend.(StatBackend); ok {
		info.Backend = sb.Stats()
	}
	return info
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close stops accepting I/O, waits for every queued request to complete and
// detaches the elevator. The backend is left open for the caller.
//
// If ctx ends first Close returns a timeout error and the device stays
// stopped but attached; Close may then be called again. Requests queued on
// a device whose Open context was cancelled are ended with ErrDeviceOffline.
func Close(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}
	if ctx == nil {
		ctx = context.Background()
	}

	device.closeMu.Lock()
	defer device.closeMu.Unlock()

	device.mu.Lock()
	closed := device.closed
	device.mu.Unlock()
	if closed {
		return NewDeviceError("CLOSE", device.ID, ErrCodeDeviceOffline, "device already closed")
	}

	device.stop()
	if device.ctx.Err() != nil {
		// no runner is left to drain the queue
		device.failQueued()
	}

	// a live runner keeps completing requests while the queue drains
	if err := device.q.Close(ctx); err != nil {
		device.log.WarnContext(ctx, "close gave up with requests left", "error", err)
		e := WrapError("CLOSE", err)
		e.Device = device.ID
		return e
	}

	device.mu.Lock()
	device.closed = true
	device.mu.Unlock()

	device.runner.Stop()
	if device.metrics != nil {
		device.metrics.Stop()
	}
	device.cancel()

	device.log.InfoContext(ctx, "device closed")
	return nil
}
