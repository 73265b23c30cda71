package onebot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ActionError is returned when the endpoint answers an action with a
// non-zero retcode.
type ActionError struct {
	Action  string
	Status  string
	Retcode int64
	Message string
}

func (e *ActionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("onebot: action %s failed (retcode %d): %s", e.Action, e.Retcode, e.Message)
	}
	return fmt.Sprintf("onebot: action %s failed (retcode %d)", e.Action, e.Retcode)
}

type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type actionResult struct {
	resp gjson.Result
	err  error
}

// CallAction sends an action frame and waits for the response carrying the
// same echo. It returns the response's data field.
func (a *Adapter) CallAction(ctx context.Context, action string, params any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	echo := a.ID() + "-" + strconv.FormatUint(a.echoSeq.Add(1), 10)
	ch := make(chan actionResult, 1)

	a.pendingMu.Lock()
	a.pending[echo] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, echo)
		a.pendingMu.Unlock()
	}()

	if err := a.writeJSON(actionRequest{Action: action, Params: params, Echo: echo}); err != nil {
		return nil, err
	}

	timeout := a.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return actionData(action, res.resp)
	case <-t.C:
		return nil, fmt.Errorf("%w: %s", ErrActionTimeout, action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func actionData(action string, resp gjson.Result) (any, error) {
	status := resp.Get("status").String()
	retcode := resp.Get("retcode").Int()
	if status == "failed" || retcode != 0 {
		msg := resp.Get("wording").String()
		if msg == "" {
			msg = resp.Get("message").String()
		}
		return nil, &ActionError{Action: action, Status: status, Retcode: retcode, Message: msg}
	}
	return resp.Get("data").Value(), nil
}

func (a *Adapter) resolvePending(echo string, resp gjson.Result) bool {
	a.pendingMu.Lock()
	ch, ok := a.pending[echo]
	if ok {
		delete(a.pending, echo)
	}
	a.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- actionResult{resp: resp}
	return true
}

func (a *Adapter) failPending(err error) {
	a.pendingMu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan actionResult)
	a.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- actionResult{err: err}
	}
}

// --- API methods ---

func (a *Adapter) apiSendGroupMsg(ctx context.Context, args ...any) (any, error) {
	groupID, err := int64Arg(args, 0, "group_id")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("send_group_msg: missing message argument")
	}
	return a.CallAction(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  args[1],
	})
}

func (a *Adapter) apiSendPrivateMsg(ctx context.Context, args ...any) (any, error) {
	userID, err := int64Arg(args, 0, "user_id")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("send_private_msg: missing message argument")
	}
	return a.CallAction(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": args[1],
	})
}

func (a *Adapter) apiGetLoginInfo(ctx context.Context, _ ...any) (any, error) {
	return a.CallAction(ctx, "get_login_info", nil)
}

func (a *Adapter) apiCallAction(ctx context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("call_action: missing action name")
	}
	action, ok := args[0].(string)
	if !ok || action == "" {
		return nil, fmt.Errorf("call_action: action name must be a string")
	}
	var params any
	if len(args) > 1 {
		params = args[1]
	}
	return a.CallAction(ctx, action, params)
}

func int64Arg(args []any, i int, name string) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing %s argument", name)
	}
	switch v := args[i].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", name, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid %s of type %T", name, v)
	}
}
