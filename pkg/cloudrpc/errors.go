package cloudrpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pageledger/ledger/pkg/ledgererr"
)

// MapTransportError maps a transport-level grpc error (connection refused,
// deadline exceeded, TLS failure) to the ledger error taxonomy. Call this
// only on the error grpc.ClientConn.Invoke itself returns; an RPC that
// completed but was rejected by the server carries its outcome in the
// response's Status field instead: NETWORK_ERROR is retryable, the rest
// are terminal for the current operation.
func MapTransportError(err error) ledgererr.Code {
	if err == nil {
		return ledgererr.CodeOk
	}
	st, ok := status.FromError(err)
	if !ok {
		return ledgererr.CodeNetworkError
	}
	switch st.Code() {
	case codes.OK:
		return ledgererr.CodeOk
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return ledgererr.CodeNetworkError
	case codes.Unauthenticated, codes.PermissionDenied:
		return ledgererr.CodeArgumentError
	case codes.NotFound:
		return ledgererr.CodeInternalNotFound
	case codes.InvalidArgument:
		return ledgererr.CodeArgumentError
	default:
		return ledgererr.CodeIoError
	}
}

// MapStatus maps an application-level cloudrpc.Status (returned inside a
// successfully-delivered response) to the ledger error taxonomy.
func MapStatus(s Status) ledgererr.Code {
	switch s {
	case StatusOK:
		return ledgererr.CodeOk
	case StatusAuthError, StatusArgumentError:
		return ledgererr.CodeArgumentError
	case StatusNetworkError:
		return ledgererr.CodeNetworkError
	case StatusNotFound:
		return ledgererr.CodeInternalNotFound
	case StatusParseError:
		return ledgererr.CodeDataIntegrityError
	case StatusServerError, StatusInternalError:
		return ledgererr.CodeIoError
	default:
		return ledgererr.CodeIoError
	}
}
