package coordinatorrpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
)

// Client talks to a remote coordinator. It satisfies the workflow-facing
// coordinator interface, translating status codes back into the txerrors
// sentinels so callers can keep matching with errors.Is.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// appended, so tests can pass a bufconn dialer.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) Begin(ctx context.Context, id transaction.TxnID) error {
	return c.invoke(ctx, "Begin", &TxnRequest{ID: id}, &Empty{})
}

func (c *Client) AcquireLock(ctx context.Context, id transaction.TxnID, resource string, mode lockmanager.LockMode) (bool, error) {
	var out LockResponse
	if err := c.invoke(ctx, "AcquireLock", &LockRequest{ID: id, Resource: resource, Mode: mode}, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

func (c *Client) LogBeforeImage(ctx context.Context, id transaction.TxnID, entry undolog.Entry) error {
	return c.invoke(ctx, "LogBeforeImage", &LogRequest{ID: id, Entry: entry}, &Empty{})
}

func (c *Client) Commit(ctx context.Context, id transaction.TxnID) error {
	return c.invoke(ctx, "Commit", &TxnRequest{ID: id}, &Empty{})
}

func (c *Client) Rollback(ctx context.Context, id transaction.TxnID) error {
	return c.invoke(ctx, "Rollback", &TxnRequest{ID: id}, &Empty{})
}

// CheckDeadlock runs one remote detection pass.
func (c *Client) CheckDeadlock(ctx context.Context) (transaction.TxnID, bool, error) {
	var out DeadlockResponse
	if err := c.invoke(ctx, "CheckDeadlock", &Empty{}, &out); err != nil {
		return "", false, err
	}
	return out.Victim, out.Found, nil
}

func (c *Client) Status(ctx context.Context, id transaction.TxnID) (transaction.Transaction, error) {
	var out StatusResponse
	if err := c.invoke(ctx, "Status", &TxnRequest{ID: id}, &out); err != nil {
		return transaction.Transaction{}, err
	}
	return out.Transaction, nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	var sentinel error
	switch st.Code() {
	case codes.Aborted:
		sentinel = pick(msg, txerrors.ErrDeadlockAborted, txerrors.ErrLockDenied)
	case codes.NotFound:
		sentinel = pick(msg, txerrors.ErrTxnNotFound, txerrors.ErrUndoLogNotFound)
	case codes.AlreadyExists:
		sentinel = txerrors.ErrTxnAlreadyExists
	case codes.InvalidArgument:
		sentinel = pick(msg, txerrors.ErrInvalidTxnID, txerrors.ErrInvalidRequest)
	case codes.FailedPrecondition:
		sentinel = txerrors.ErrTxnInvalidState
	case codes.DataLoss:
		sentinel = txerrors.ErrRollbackFailed
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		sentinel = txerrors.ErrPersistenceFailure
	}
	return fmt.Errorf("coordinator: %s: %w", msg, sentinel)
}

// pick chooses among sentinels sharing one status code by looking for their
// text in the server's message. The first is the fallback.
func pick(msg string, fallback error, others ...error) error {
	for _, s := range others {
		if strings.Contains(msg, s.Error()) {
			return s
		}
	}
	return fallback
}
