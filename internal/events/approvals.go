package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// DefaultWaitTimeout bounds how long a worker blocks on a human decision
// before giving up and treating the request as unanswered.
const DefaultWaitTimeout = 5 * time.Minute

// signal is the frame exchanged on a per-ID channel. The worker's own
// request announcement and the eventual answer travel on the same channel,
// so Kind tells them apart.
type signal struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

const (
	signalRequest  = "request"
	signalResponse = "response"
)

// Approvals coordinates the blocking request/response exchanges between
// job workers and the API: a worker publishes its request on a per-ID
// channel and parks on the same channel until someone answers or the
// window closes. Timing out is not an error; it returns a nil payload so
// the caller can record "unanswered" and move on.
type Approvals struct {
	rdb    *redis.Client
	fabric Broadcaster
	logger *zap.Logger
}

// NewApprovals wires the coordinator. fabric may be nil when no event
// fabric is attached; announcements are then dropped.
func NewApprovals(rdb *redis.Client, fabric Broadcaster, logger *zap.Logger) *Approvals {
	if fabric == nil {
		fabric = NopBroadcaster{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Approvals{rdb: rdb, fabric: fabric, logger: logger}
}

// AwaitApproval blocks the calling job until a reviewer answers or the
// window closes. timeout <= 0 selects DefaultWaitTimeout. A nil payload
// with a nil error means nobody answered in time.
func (a *Approvals) AwaitApproval(ctx context.Context, orgID, approvalID string, request any, timeout time.Duration) (json.RawMessage, error) {
	return a.await(ctx, ApprovalChannel(approvalID), EventApprovalRequested, orgID, request, timeout)
}

// Answer publishes a reviewer's decision to the waiting worker. The
// boolean reports whether a worker was still listening; false means the
// wait already ended.
func (a *Approvals) Answer(ctx context.Context, orgID, approvalID string, response any) (bool, error) {
	return a.respond(ctx, ApprovalChannel(approvalID), EventApprovalAnswered, orgID, response)
}

// AwaitQuestionAnswer parks an agent run until the user answers its
// question, with the same timeout contract as AwaitApproval.
func (a *Approvals) AwaitQuestionAnswer(ctx context.Context, orgID, questionID string, request any, timeout time.Duration) (json.RawMessage, error) {
	return a.await(ctx, QuestionChannel(questionID), EventAgentMessage, orgID, request, timeout)
}

// AnswerQuestion publishes the user's reply to a waiting agent run.
func (a *Approvals) AnswerQuestion(ctx context.Context, orgID, questionID string, response any) (bool, error) {
	return a.respond(ctx, QuestionChannel(questionID), EventAgentMessage, orgID, response)
}

func (a *Approvals) await(ctx context.Context, channel, announce, orgID string, request any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	reqData, err := json.Marshal(request)
	if err != nil {
		return nil, appErrors.Wrap(err, "request payload is not serializable")
	}

	// Subscribe before publishing the request so an instant answer
	// cannot slip past us.
	sub := a.rdb.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, appErrors.NewUnavailable("could not subscribe for the answer", err)
	}

	raw, err := json.Marshal(signal{Kind: signalRequest, Data: reqData})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to encode the request signal")
	}
	if err := a.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return nil, appErrors.NewUnavailable("could not publish the request", err)
	}
	a.fabric.Broadcast(announce, json.RawMessage(reqData), Org(orgID))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, appErrors.NewUnavailable("answer channel closed before a response arrived", nil)
			}
			var sig signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				a.logger.Warn("malformed signal on wait channel",
					zap.String("channel", channel), zap.Error(err))
				continue
			}
			if sig.Kind != signalResponse {
				// Our own request echoing back.
				continue
			}
			return sig.Data, nil
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *Approvals) respond(ctx context.Context, channel, announce, orgID string, response any) (bool, error) {
	respData, err := json.Marshal(response)
	if err != nil {
		return false, appErrors.Wrap(err, "response payload is not serializable")
	}
	raw, err := json.Marshal(signal{Kind: signalResponse, Data: respData})
	if err != nil {
		return false, appErrors.Wrap(err, "failed to encode the response signal")
	}
	receivers, err := a.rdb.Publish(ctx, channel, raw).Result()
	if err != nil {
		return false, appErrors.NewUnavailable("could not publish the response", err)
	}
	a.fabric.Broadcast(announce, json.RawMessage(respData), Org(orgID))
	return receivers > 0, nil
}
