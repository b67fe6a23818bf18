package consumer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// configFile is the on-disk shape of a consumer configuration.
type configFile struct {
	BootstrapServers []string `yaml:"bootstrap_servers"`
	GroupID          string   `yaml:"group_id"`
	ClientID         string   `yaml:"client_id"`
	ConsumeModel     string   `yaml:"consume_model"`

	ConsumeBatchSize int `yaml:"consume_batch_size"`
	ConsumeThreadNum int `yaml:"consume_thread_num"`
	ConsumeQueueSize int `yaml:"consume_queue_size"`
	BufferCapacity   int `yaml:"buffer_capacity"`

	PollTimeoutMS        int `yaml:"poll_timeout_ms"`
	MaxMessageDealTimeMS int `yaml:"max_message_deal_time_ms"`
	CommitIntervalMS     int `yaml:"commit_interval_ms"`

	OffsetStoreDir        string `yaml:"offset_store_dir"`
	DeadLetterBlockOnFail bool   `yaml:"dead_letter_block_on_fail"`
}

// LoadConfigFile reads a YAML consumer configuration and returns the options
// it encodes, to be combined with programmatic options:
//
//	opts, err := consumer.LoadConfigFile("consumer.yaml")
//	svc, err := consumer.NewConsumeService(append(opts, consumer.WithLogger(l))...)
func LoadConfigFile(path string) ([]Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var opts []Option
	if len(cf.BootstrapServers) > 0 {
		opts = append(opts, WithBootstrapServers(cf.BootstrapServers))
	}
	if cf.GroupID != "" {
		opts = append(opts, WithGroupID(cf.GroupID))
	}
	if cf.ClientID != "" {
		opts = append(opts, WithClientID(cf.ClientID))
	}
	if cf.ConsumeModel != "" {
		model, err := ParseConsumeModel(cf.ConsumeModel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithConsumeModel(model))
	}
	if cf.ConsumeBatchSize > 0 {
		opts = append(opts, WithConsumeBatchSize(cf.ConsumeBatchSize))
	}
	if cf.ConsumeThreadNum > 0 {
		opts = append(opts, WithConsumeThreadNum(cf.ConsumeThreadNum))
	}
	if cf.ConsumeQueueSize > 0 {
		opts = append(opts, WithConsumeQueueSize(cf.ConsumeQueueSize))
	}
	if cf.BufferCapacity > 0 {
		opts = append(opts, WithBufferCapacity(cf.BufferCapacity))
	}
	if cf.PollTimeoutMS > 0 {
		opts = append(opts, WithPollTimeout(time.Duration(cf.PollTimeoutMS)*time.Millisecond))
	}
	if cf.MaxMessageDealTimeMS > 0 {
		opts = append(opts, WithMaxMessageDealTime(time.Duration(cf.MaxMessageDealTimeMS)*time.Millisecond))
	}
	if cf.CommitIntervalMS > 0 {
		opts = append(opts, WithCommitInterval(time.Duration(cf.CommitIntervalMS)*time.Millisecond))
	}
	if cf.OffsetStoreDir != "" {
		opts = append(opts, WithOffsetStoreDir(cf.OffsetStoreDir))
	}
	if cf.DeadLetterBlockOnFail {
		opts = append(opts, WithDeadLetterBlockOnFail())
	}

	return opts, nil
}
