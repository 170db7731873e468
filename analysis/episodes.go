package analysis

import (
	"bytes"
	"fmt"
	"os"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/zeu5/dist-rl-driving/core"
)

// ErrorDumper writes every episode that ended on an error to
// <savePath>/errors, with the transitions collected before the failure.
type ErrorDumper struct {
	savePath string
	logger   *logrus.Entry
}

var _ core.Analyzer = &ErrorDumper{}

func NewErrorDumper(savePath string, logger *logrus.Entry) (*ErrorDumper, error) {
	dir := path.Join(savePath, "errors")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ErrorDumper{savePath: dir, logger: logger}, nil
}

func (a *ErrorDumper) Analyze(eCtx *core.EpisodeContext, result core.EpisodeResult) {
	if !result.Failed() {
		return
	}
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "Error: %s\nCause: %s\n\n", result.Err, result.Cause)
	buf.WriteString(transitionsToString(result.Transitions))

	file := path.Join(a.savePath, fmt.Sprintf("%s_%d_error_%d.txt", eCtx.WorkerID, eCtx.Iteration, result.Episode))
	if err := os.WriteFile(file, buf.Bytes(), 0o644); err != nil {
		a.logger.WithError(err).Warn("writing error trace")
	}
}

// TraceDumper writes the full trace of every episode from thresholdEpisode
// on to <savePath>/traces.
type TraceDumper struct {
	savePath         string
	thresholdEpisode int
	logger           *logrus.Entry
}

var _ core.Analyzer = &TraceDumper{}

func NewTraceDumper(savePath string, threshold int, logger *logrus.Entry) (*TraceDumper, error) {
	dir := path.Join(savePath, "traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TraceDumper{savePath: dir, thresholdEpisode: threshold, logger: logger}, nil
}

func (a *TraceDumper) Analyze(eCtx *core.EpisodeContext, result core.EpisodeResult) {
	if result.Episode < a.thresholdEpisode {
		return
	}
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "Score: %d\nCause: %s\n\n", result.Score(), result.Cause)
	buf.WriteString(transitionsToString(result.Transitions))

	file := path.Join(a.savePath, fmt.Sprintf("%s_%d_trace_%d.txt", eCtx.WorkerID, eCtx.Iteration, result.Episode))
	if err := os.WriteFile(file, buf.Bytes(), 0o644); err != nil {
		a.logger.WithError(err).Warn("writing trace")
	}
}

func transitionsToString(transitions []core.Transition) string {
	buf := new(bytes.Buffer)
	for i, t := range transitions {
		fmt.Fprintf(buf, "Step %d\n", i)
		fmt.Fprintf(buf, "State: %v\nAction: %v\nNext State: %v\n", t.State, t.Action, t.NextState)
		fmt.Fprintf(buf, "Reward: %.3f Done: %t\n", t.Reward, t.Done)
		fmt.Fprintf(buf, "CTE: %.3f Speed: %.3f", t.Info.CTE, t.Info.Speed)
		if t.Info.Hit != "" {
			fmt.Fprintf(buf, " Hit: %s", t.Info.Hit)
		}
		buf.WriteString("\n\n")
	}
	return buf.String()
}
