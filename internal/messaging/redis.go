package messaging

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	// Hash holding our state, and the channel announcing changed fields
	hashKey = "transfer-case"
	// List other services LPUSH commands onto
	commandKey = "scooter:transfer-case"
	faultSet   = "transfer-case:fault"
	faultGroup = "transfer-case"
)

// Fault codes reported to the shared fault stream
const (
	FaultShiftUnrecoverable = 1
	FaultModeSensor         = 2
	FaultSelector           = 3
)

type Callbacks struct {
	ResetCallback    func() error
	SettingsCallback func(string) error // setting key that was updated (e.g., "transfer-case.max-duty")
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// Display fields. fields holds the last value queued per hash field so
	// per-tick updates only reach redis when something changed; pending
	// holds what the writer has yet to send, latest value per field.
	mu          sync.Mutex
	fields      map[string]string
	pending     map[string]string
	easterEgg   bool
	wake        chan struct{}
	writeFailed bool
}

func NewRedisClient(host string, port int, l *logger.Logger) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		logger:  l,
		ctx:     ctx,
		cancel:  cancel,
		fields:  make(map[string]string),
		pending: make(map[string]string),
		wake:    make(chan struct{}, 1),
	}
	r.wg.Add(1)
	go r.displayWriter()
	return r
}

// SetCallbacks must be called before StartListening
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts the command and settings listeners
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	pubsub := r.client.Subscribe(r.ctx, "settings")
	r.wg.Add(2)
	go r.redisListener(pubsub)
	go r.listCommandListener(commandKey, r.handleTransferCaseCommand)
	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
		}

		// Short BRPOP timeout so cancellation is noticed
		result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if r.ctx.Err() != nil {
				r.logger.Infof("Context cancelled, exiting %s listener", key)
				return
			}
			r.logger.Warnf("Error reading from %s list: %v", key, err)
			// Don't spin while redis is away
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if len(result) >= 2 { // BRPOP returns [key, value]
			r.logger.Debugf("Received command from %s: %s", key, result[1])
			if err := handler(result[1]); err != nil {
				r.logger.Warnf("Error handling %s command: %v", key, err)
			}
		}
	}
}

func (r *RedisClient) handleTransferCaseCommand(value string) error {
	switch value {
	case "reset":
		if r.callbacks.ResetCallback == nil {
			return nil
		}
		return r.callbacks.ResetCallback()
	default:
		return fmt.Errorf("invalid transfer-case command: %s", value)
	}
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok || msg == nil {
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
				return
			}
			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			if msg.Channel == "settings" && r.callbacks.SettingsCallback != nil {
				if err := r.callbacks.SettingsCallback(msg.Payload); err != nil {
					r.logger.Warnf("Failed to handle settings update: %v", err)
				}
			}
		}
	}
}

// setField queues field for the display writer when its value changed.
// It never waits on the network.
func (r *RedisClient) setField(field, value string) {
	r.mu.Lock()
	if old, ok := r.fields[field]; ok && old == value {
		r.mu.Unlock()
		return
	}
	r.fields[field] = value
	r.pending[field] = value
	r.mu.Unlock()
	r.signalWriter()
}

func (r *RedisClient) signalWriter() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// displayWriter sends queued display fields. Fields updated while a write
// is in flight coalesce into the next one.
func (r *RedisClient) displayWriter() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		r.mu.Lock()
		batch, egg := r.pending, r.easterEgg
		r.pending, r.easterEgg = make(map[string]string), false
		r.mu.Unlock()
		if len(batch) == 0 && !egg {
			continue
		}

		err := r.writeDisplay(batch, egg)
		if err == nil {
			if r.writeFailed {
				r.logger.Infof("Display updates reach redis again")
				r.writeFailed = false
			}
			continue
		}
		if r.ctx.Err() != nil {
			return
		}
		if !r.writeFailed {
			r.logger.Warnf("Failed to write display fields: %v", err)
			r.writeFailed = true
		}

		// Requeue what has not been superseded; the easter egg is momentary
		r.mu.Lock()
		for field, value := range batch {
			if _, newer := r.pending[field]; !newer {
				r.pending[field] = value
			}
		}
		r.mu.Unlock()

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Second):
		}
		r.signalWriter()
	}
}

// writeDisplay sets the fields in one pipeline and announces each of them
func (r *RedisClient) writeDisplay(fields map[string]string, egg bool) error {
	pipe := r.client.Pipeline()
	for field, value := range fields {
		pipe.HSet(r.ctx, hashKey, field, value)
		pipe.Publish(r.ctx, hashKey, field)
	}
	if egg {
		pipe.Publish(r.ctx, hashKey, "easter-egg")
	}
	_, err := pipe.Exec(r.ctx)
	return err
}

// Display sink

func (r *RedisClient) SetMainMessage(text string) {
	r.setField("message", text)
}

func (r *RedisClient) SetSwitchPosition(p types.Position) {
	r.setField("selector", p.String())
}

func (r *RedisClient) SetSwitchResistance(ohms float64) {
	if math.IsInf(ohms, 1) {
		r.setField("selector:ohms", "open")
		return
	}
	// 10 ohm steps, the ladder is far coarser
	r.setField("selector:ohms", strconv.FormatFloat(math.Round(ohms/10)*10, 'f', 0, 64))
}

func (r *RedisClient) SetMotorPosition(p types.Position, lastValid types.Position) {
	r.setField("actuator", p.String())
	r.setField("last-valid", lastValid.String())
}

func (r *RedisClient) SetMotorVoltage(volts float64) {
	r.setField("actuator:volts", strconv.FormatFloat(volts, 'f', 2, 64))
}

func (r *RedisClient) ShowEasterEgg() {
	r.mu.Lock()
	r.easterEgg = true
	r.mu.Unlock()
	r.signalWriter()
}

func (r *RedisClient) PublishServiceState(state types.ServiceState) error {
	r.logger.Infof("Publishing service state: %s", state)
	timestamp := time.Now().Format(time.RFC3339)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hashKey, "state", string(state))
	pipe.HSet(r.ctx, hashKey, "state:timestamp", timestamp)
	pipe.Publish(r.ctx, hashKey, "state")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to publish service state: %v", err)
		return err
	}
	return nil
}

// PublishShiftOutcome records the result of the last shift request
func (r *RedisClient) PublishShiftOutcome(target types.Position, result string, recoveredTo types.Position) error {
	r.logger.Debugf("Publishing shift outcome: %s -> %s", target, result)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hashKey, "shift:target", target.String())
	pipe.HSet(r.ctx, hashKey, "shift:result", result)
	if recoveredTo.Valid() {
		pipe.HSet(r.ctx, hashKey, "shift:recovered-to", recoveredTo.String())
	} else {
		pipe.HDel(r.ctx, hashKey, "shift:recovered-to")
	}
	pipe.HSet(r.ctx, hashKey, "shift:timestamp", time.Now().Unix())
	pipe.Publish(r.ctx, hashKey, "shift")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to publish shift outcome: %v", err)
		return err
	}
	return nil
}

// GetSettings returns the shared settings hash
func (r *RedisClient) GetSettings() (map[string]string, error) {
	fields, err := r.client.HGetAll(r.ctx, "settings").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return fields, nil
}

// ReportFaultPresent adds code to the active fault set and the fault stream
func (r *RedisClient) ReportFaultPresent(code int, description string) error {
	r.logger.Infof("Reporting fault present: code=%d, description=%s", code, description)

	pipe := r.client.Pipeline()
	pipe.SAdd(r.ctx, faultSet, code)
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "events:faults",
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group":       faultGroup,
			"code":        code,
			"description": description,
			"ts":          time.Now().Unix(),
		},
	})
	pipe.Publish(r.ctx, hashKey, "fault")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to report fault present: %v", err)
		return err
	}
	return nil
}

// ReportFaultAbsent clears code. The stream entry carries the negated code.
func (r *RedisClient) ReportFaultAbsent(code int) error {
	r.logger.Infof("Reporting fault absent: code=%d", code)

	pipe := r.client.Pipeline()
	pipe.SRem(r.ctx, faultSet, code)
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "events:faults",
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group": faultGroup,
			"code":  -code,
		},
	})
	pipe.Publish(r.ctx, hashKey, "fault")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to report fault absent: %v", err)
		return err
	}
	return nil
}

// Close stops the listeners and closes the connection. It is safe to call
// more than once; the display fan-out and the system both own the client.
func (r *RedisClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Infof("Closing Redis client")
		r.cancel()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Infof("All Redis goroutines finished")
		case <-time.After(5 * time.Second):
			r.logger.Warnf("Timeout waiting for Redis goroutines to finish")
		}

		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
