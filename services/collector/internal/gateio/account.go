package gateio

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/errs"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/signing"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

// Код ошибки Gate.io «authentication failed».
const codeAuthFailed = 4

// BalanceHandler получает result кадра spot.balances.
type BalanceHandler func(ctx context.Context, result json.RawMessage) error

// AccountFeed: приватный фид балансов: логин, затем подписка spot.balances.
type AccountFeed struct {
	conn   *upstream.Connector
	signer *signing.Signer
	handle BalanceHandler
	log    *logger.Logger

	seq atomic.Int64
}

// NewAccountFeed создаёт аутентифицированный коннектор.
func NewAccountFeed(cfg upstream.Config, signer *signing.Signer, handle BalanceHandler, log *logger.Logger) (*AccountFeed, error) {
	if handle == nil {
		return nil, errors.New("gateio: balance handler is required")
	}
	f := &AccountFeed{
		signer: signer,
		handle: handle,
		log:    log.Named("gateio.account"),
	}
	conn, err := upstream.New(cfg, upstream.Hooks{
		BuildPing: BuildPing,
		IsPong:    IsPong,
		OnOpen:    f.onOpen,
		OnMessage: f.onMessage,
	}, log)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	return f, nil
}

// Connector: нижележащий коннектор.
func (f *AccountFeed) Connector() *upstream.Connector { return f.conn }

type loginPayload struct {
	APIKey    string `json:"api_key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
	ReqID     string `json:"req_id"`
}

// onOpen отправляет spot.login. Без ключей коннектор останавливается.
func (f *AccountFeed) onOpen(_ context.Context, c *upstream.Connector) error {
	ts := f.signer.Now().Unix()
	sig, err := f.signer.SignLogin(ChannelLogin, "", ts)
	if err != nil {
		return errs.Auth("login signature", err)
	}
	id := f.seq.Add(1)
	return c.Send(Request{
		Time:    ts,
		ID:      id,
		Channel: ChannelLogin,
		Event:   EventAPI,
		Payload: loginPayload{
			APIKey:    f.signer.Key(),
			Signature: sig,
			Timestamp: strconv.FormatInt(ts, 10),
			ReqID:     strconv.FormatInt(ts, 10) + "-" + strconv.FormatInt(id, 10),
		},
	})
}

type loginErrors struct {
	Errs struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	} `json:"errs"`
}

func (f *AccountFeed) onMessage(ctx context.Context, c *upstream.Connector, data []byte) error {
	resp, err := ParseResponse(data)
	if err != nil {
		return err
	}

	switch resp.Channel {
	case ChannelLogin:
		return f.onLogin(c, resp)

	case ChannelBalances:
		if resp.Error != nil {
			if resp.Error.Code == codeAuthFailed {
				return errs.Auth("balances subscription rejected", resp.Error)
			}
			return errs.Protocol("balances subscription", resp.Error)
		}
		switch resp.Event {
		case EventSubscribe:
			f.log.Info("subscribed", zap.String("channel", ChannelBalances))
			return nil
		case EventUpdate:
			return f.handle(ctx, resp.Result)
		}
	}
	return nil
}

func (f *AccountFeed) onLogin(c *upstream.Connector, resp Response) error {
	if resp.Header == nil || resp.Header.Status != "200" {
		var le loginErrors
		_ = json.Unmarshal(resp.Data, &le)
		reason := le.Errs.Message
		if reason == "" {
			reason = "login rejected"
		}
		return errs.Auth(reason, nil)
	}
	c.MarkAuthenticated()
	f.log.Info("authenticated")
	return f.subscribeBalances(c)
}

// subscribeBalances отправляется только после подтверждения логина.
func (f *AccountFeed) subscribeBalances(c *upstream.Connector) error {
	ts := f.signer.Now().Unix()
	sign, err := f.signer.SignChannel(ChannelBalances, EventSubscribe, ts)
	if err != nil {
		return errs.Auth("channel signature", err)
	}
	return c.Send(Request{
		Time:    ts,
		ID:      f.seq.Add(1),
		Channel: ChannelBalances,
		Event:   EventSubscribe,
		Auth:    &Auth{Method: "api_key", Key: f.signer.Key(), Sign: sign},
	})
}
