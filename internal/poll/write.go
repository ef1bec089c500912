package poll

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modbus-manager/internal/codec"
	"modbus-manager/internal/registry"
)

// Write encodes a display value and writes it to the device, then
// schedules an early refresh so consumers observe the result without
// waiting for the next tick. A failed write returns the error and does
// not refresh.
//
// value is the display-domain form: a number for numeric registers, a
// bool for boolean ones, a string for string registers. Label tables
// are not resolved here; use Definition.LabelValue first.
func (c *Coordinator) Write(ctx context.Context, slave uint8, uniqueID string, value any) error {
	def, err := c.writableDefinition(slave, uniqueID)
	if err != nil {
		return err
	}

	words, err := c.encodeValue(def, value)
	if err != nil {
		return err
	}

	meta := def.Write
	if meta.FunctionCode == 6 && len(words) > 1 {
		return fmt.Errorf("register %s: function code 6 writes a single word, value needs %d", uniqueID, len(words))
	}

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	if meta.FunctionCode == 16 {
		err = c.conn.WriteMultiple(opCtx, slave, def.Address, words)
	} else {
		err = c.conn.Write(opCtx, slave, def.Address, words)
	}
	c.monitor.RecordWrite(len(words)*2, time.Since(started), err)
	if err != nil {
		c.log.Warn("write failed",
			zap.String("register", uniqueID),
			zap.Uint8("slave", slave),
			zap.Error(err))
		return err
	}

	c.log.Info("register written",
		zap.String("register", uniqueID),
		zap.Uint8("slave", slave),
		zap.Uint16("address", def.Address),
		zap.Int("words", len(words)))
	c.RequestRefresh()
	return nil
}

func (c *Coordinator) writableDefinition(slave uint8, uniqueID string) (*registry.Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var inSet bool
	for _, def := range c.defs {
		if def.SlaveID != slave || def.UniqueID != uniqueID {
			continue
		}
		inSet = true
		if !def.Writable || def.Write == nil {
			return nil, fmt.Errorf("register %s is not writable", uniqueID)
		}
		for _, a := range c.active {
			if a == def {
				return def, nil
			}
		}
	}
	if inSet {
		return nil, fmt.Errorf("register %s is disabled by its condition", uniqueID)
	}
	return nil, fmt.Errorf("unknown register %s on slave %d", uniqueID, slave)
}

func (c *Coordinator) encodeValue(def *registry.Definition, value any) ([]uint16, error) {
	if def.Type == registry.TypeString {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("register %s expects a string value, got %T", def.UniqueID, value)
		}
		return codec.EncodeString(s, def)
	}

	display, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("register %s expects a numeric value, got %T", def.UniqueID, value)
	}
	if err := c.checkLimits(def, display); err != nil {
		return nil, err
	}
	return codec.Encode(display, def)
}

// checkLimits enforces the write range. min_from/max_from name sibling
// registers carrying the limit at runtime (a battery's charge ceiling,
// for example); their current reading wins over the static bound, and
// the static bound applies when they are unavailable.
func (c *Coordinator) checkLimits(def *registry.Definition, display float64) error {
	meta := def.Write
	if meta == nil {
		return nil
	}

	min, haveMin := c.dynamicLimit(def.SlaveID, meta.MinFrom)
	if !haveMin && meta.Min != nil {
		min, haveMin = *meta.Min, true
	}
	max, haveMax := c.dynamicLimit(def.SlaveID, meta.MaxFrom)
	if !haveMax && meta.Max != nil {
		max, haveMax = *meta.Max, true
	}

	if haveMin && display < min {
		return fmt.Errorf("register %s: value %v below minimum %v", def.UniqueID, display, min)
	}
	if haveMax && display > max {
		return fmt.Errorf("register %s: value %v above maximum %v", def.UniqueID, display, max)
	}
	return nil
}

func (c *Coordinator) dynamicLimit(slave uint8, from string) (float64, bool) {
	if from == "" {
		return 0, false
	}
	return c.Snapshot().Numeric(slave, from)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
