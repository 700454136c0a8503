package bztree

import (
	"go.uber.org/zap"

	"bztree/nvm"
)

// Config holds the tunables from §6: split_threshold, merge_threshold,
// MAX_FREEZE_RETRY, plus the ambient collaborators (allocator, logger,
// optional root-swing durability log) every tree needs wired in.
type Config struct {
	NodeCapacity       int
	SplitThreshold     uint32
	MergeThreshold     uint32
	MaxFreezeRetry     int
	DescriptorPoolSize int
	Allocator          nvm.Allocator
	Logger             *zap.Logger
	RootLog            *nvm.RootLog
}

// Option configures a BzTree at construction time, the functional-options
// pattern used throughout the pack's service constructors.
type Option func(*Config)

func WithNodeCapacity(n int) Option { return func(c *Config) { c.NodeCapacity = n } }

func WithSplitThreshold(n uint32) Option { return func(c *Config) { c.SplitThreshold = n } }

// WithMergeThreshold accepts the merge_threshold tunable for API
// compatibility with §6; it is currently unused, per the Open Question 1
// resolution (merge on underflow is omitted).
func WithMergeThreshold(n uint32) Option { return func(c *Config) { c.MergeThreshold = n } }

func WithMaxFreezeRetry(n int) Option { return func(c *Config) { c.MaxFreezeRetry = n } }

func WithDescriptorPoolSize(n int) Option { return func(c *Config) { c.DescriptorPoolSize = n } }

func WithAllocator(a nvm.Allocator) Option { return func(c *Config) { c.Allocator = a } }

func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithRootLog attaches the supplemental root-swing durability log (§3
// FULL). A nil RootLog, the default, disables it entirely.
func WithRootLog(l *nvm.RootLog) Option { return func(c *Config) { c.RootLog = l } }

func defaultConfig() Config {
	const leafCapacity = 4096
	return Config{
		NodeCapacity:       leafCapacity,
		SplitThreshold:     leafCapacity - leafCapacity/4, // 3 KiB of a 4 KiB leaf, per §6.
		MergeThreshold:     0,
		MaxFreezeRetry:     2,
		DescriptorPoolSize: 64,
		Allocator:          nvm.NewHeapAllocator(),
		Logger:             zap.NewNop(),
	}
}
