package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/nobletooth/pouch/pkg/cache"
	"github.com/nobletooth/pouch/pkg/scan"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool          // Closes the connection if true.
	writeNil        bool          // Writes a nil value if true.
	err             *string       // Error to return if set.
	writeInt        *int          // Writes an integer value if set.
	writeBulk       *string       // Writes a bulk string if set.
	writeArray      []redisOutput // Writes an array of the given outputs if isArray.
	isArray         bool
	writeString     string // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisArray(outputs []redisOutput) redisOutput {
	return redisOutput{writeArray: outputs, isArray: true}
}

func writeRedisError(err error) redisOutput {
	msg := err.Error()
	if !strings.HasPrefix(msg, "ERR ") {
		msg = "ERR " + msg
	}
	return redisOutput{err: &msg}
}

func wrongArgs(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// redisWriter is the subset of redcon.Conn outputs are written to.
type redisWriter interface {
	WriteError(msg string)
	WriteString(str string)
	WriteBulkString(bulk string)
	WriteInt(num int)
	WriteArray(count int)
	WriteNull()
}

var _ redisWriter = (redcon.Conn)(nil)

func (o redisOutput) writeTo(w redisWriter) {
	switch {
	case o.err != nil:
		w.WriteError(*o.err)
	case o.writeNil:
		w.WriteNull()
	case o.writeInt != nil:
		w.WriteInt(*o.writeInt)
	case o.writeBulk != nil:
		w.WriteBulkString(*o.writeBulk)
	case o.isArray:
		w.WriteArray(len(o.writeArray))
		for _, element := range o.writeArray {
			element.writeTo(w)
		}
	default:
		w.WriteString(o.writeString)
	}
}

// valueString renders a cached value as a Redis bulk string.
func valueString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

type redisHandler struct {
	mux     sync.Mutex // Pools aren't safe for concurrent use; commands run one at a time.
	newPool PoolFactory
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(newPool PoolFactory) (*redisHandler, error) {
	if newPool == nil {
		return nil, errors.New("expected a non-nil pool factory")
	}
	return &redisHandler{newPool: newPool}, nil
}

// handle runs `cmd` against a fresh pool, so expiry is checked against the time the command arrived.
func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	rh.mux.Lock()
	defer rh.mux.Unlock()
	store := NewCache(rh.newPool())

	switch command := strings.ToUpper(cmd.command); command {
	case "PING":
		if len(cmd.args) == 1 {
			return writeRedisBulk(cmd.args[0])
		}
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		return rh.set(store, cmd.args)
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArgs(command)
		}
		value, err := store.Get(cmd.args[0], nil /*def*/)
		if err != nil {
			return writeRedisError(err)
		}
		if value == nil {
			return writeRedisNil()
		}
		return writeRedisBulk(valueString(value))
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArgs(command)
		}
		deletedCount := 0
		for _, key := range cmd.args {
			deleted, err := store.Delete(key)
			if err != nil {
				return writeRedisError(err)
			}
			if deleted {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArgs(command)
		}
		existing := 0
		for _, key := range cmd.args {
			found, err := store.Has(key)
			if err != nil {
				return writeRedisError(err)
			}
			if found {
				existing++
			}
		}
		return writeRedisInt(existing)
	case "MGET":
		if len(cmd.args) < 1 {
			return wrongArgs(command)
		}
		values, err := store.GetMultiple(cmd.args, nil /*def*/)
		if err != nil {
			return writeRedisError(err)
		}
		outputs := make([]redisOutput, 0, len(cmd.args))
		for _, key := range cmd.args {
			if value := values[key]; value != nil {
				outputs = append(outputs, writeRedisBulk(valueString(value)))
			} else {
				outputs = append(outputs, writeRedisNil())
			}
		}
		return writeRedisArray(outputs)
	case "MSET":
		if len(cmd.args) == 0 || len(cmd.args)%2 != 0 {
			return wrongArgs(command)
		}
		values := make(map[string]any, len(cmd.args)/2)
		for i := 0; i < len(cmd.args); i += 2 {
			values[cmd.args[i]] = cmd.args[i+1]
		}
		stored, err := store.SetMultiple(values, nil /*ttl*/)
		if err != nil {
			return writeRedisError(err)
		}
		if !stored {
			return writeRedisError(errors.New("failed to store every key"))
		}
		return writeRedisString(RedisOk)
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArgs(command)
		}
		return rh.keys(store, cmd.args[0])
	case "FLUSHDB", "FLUSHALL":
		cleared, err := store.Clear()
		if err != nil {
			return writeRedisError(err)
		}
		if !cleared {
			return writeRedisError(errors.New("failed to clear every key"))
		}
		return writeRedisString(RedisOk)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// set handles `SET key value [EX seconds]`.
func (rh *redisHandler) set(store *Cache, args []string) redisOutput {
	if len(args) != 2 && len(args) != 4 {
		return wrongArgs("SET")
	}
	var ttl cache.TTL
	if len(args) == 4 {
		if !strings.EqualFold(args[2], "EX") {
			return writeRedisError(errors.New("syntax error"))
		}
		seconds, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || seconds <= 0 {
			return writeRedisError(errors.New("invalid expire time in 'set' command"))
		}
		ttl = cache.Seconds(seconds)
	}
	stored, err := store.Set(args[0], args[1], ttl)
	if err != nil {
		return writeRedisError(err)
	}
	if !stored {
		return writeRedisNil()
	}
	return writeRedisString(RedisOk)
}

// keys lists the live keys matching `pattern` in lexical order. Expired entries and names that aren't valid keys,
// such as foreign files in the cache directory, are listed by the backend but skipped here.
func (rh *redisHandler) keys(store *Cache, pattern string) redisOutput {
	allKeys, err := store.AllKeys()
	if err != nil {
		return writeRedisError(err)
	}
	matches, err := scan.MatchGlob(pattern, slices.Values(allKeys))
	if err != nil {
		return writeRedisError(err)
	}
	outputs := make([]redisOutput, 0)
	for _, key := range slices.Sorted(matches) {
		if cache.ValidateKey(key) != nil {
			continue
		}
		live, err := store.Has(key)
		if err != nil {
			return writeRedisError(err)
		}
		if live {
			outputs = append(outputs, writeRedisBulk(key))
		}
	}
	return writeRedisArray(outputs)
}

// RunRedisServer starts a Redis protocol server in front of the pools handed out by `newPool`. It blocks until
// `ctx` is done or the server fails.
func RunRedisServer(ctx context.Context, newPool PoolFactory) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(newPool)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := redisHandler.handle(command)
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("failed to close connection", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Redis connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving the Redis protocol.", "address", *address)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close pouch: %w", err)
		}
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
