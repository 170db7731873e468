package rpc

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zeu5/dist-rl-driving/core"
)

// WorkerClient is the coordinator's handle on one remote worker.
type WorkerClient struct {
	id     string
	client *Client
}

func NewWorkerClient(id string, cfg ClientConfig, logger *logrus.Entry) *WorkerClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WorkerClient{
		id:     id,
		client: NewClient(cfg, logger.WithField("worker", id)),
	}
}

func (w *WorkerClient) ID() string {
	return w.id
}

func (w *WorkerClient) UpdateParams(ctx context.Context, snapshot core.Snapshot) error {
	var ack updateAck
	if err := w.client.Call(ctx, MethodUpdateParams, snapshot, &ack); err != nil {
		return err
	}
	if ack.Version != snapshot.Version {
		return fmt.Errorf("worker %s acknowledged version %d, sent %d", w.id, ack.Version, snapshot.Version)
	}
	return nil
}

func (w *WorkerClient) Rollout(ctx context.Context, job core.RolloutJob) (core.RolloutResult, error) {
	var result core.RolloutResult
	if err := w.client.Call(ctx, MethodRollout, job, &result); err != nil {
		return core.RolloutResult{}, err
	}
	return result, nil
}

func (w *WorkerClient) Close() error {
	return w.client.Close()
}
