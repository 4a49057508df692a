// Package schema decodes and encodes protobuf topic values whose schemas
// travel over the wire as retained NT topics. A server (or another client)
// publishes each schema at /.schema/proto:<filename> as a serialized
// FileDescriptorProto; this package watches that prefix, builds descriptor
// roots from the payloads, and resolves message types for protobuf topics.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/ntclient"
	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
)

// TopicPrefix is where schema topics live.
const TopicPrefix = "/.schema/proto:"

// DescriptorWireType is the wire type string of schema topics themselves.
const DescriptorWireType = "proto:FileDescriptorProto"

var (
	// ErrSchemaNotFound is returned when no cached root resolves a
	// message name.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrSchema is the base error for descriptor parse and value
	// encode/decode failures.
	ErrSchema = errors.New("schema error")
)

// root is one cached descriptor file.
type root struct {
	key string
	fd  protoreflect.FileDescriptor
}

// Store watches the schema prefix and caches descriptor roots under both
// the .proto filename and the full topic name.
type Store struct {
	client *ntclient.Client
	logger *slog.Logger
	bus    *events.Bus

	mu    sync.Mutex
	roots []*root // insertion order, scanned first-match
	byKey map[string]*root
	// resolved caches dependency resolution across roots.
	resolved *protoregistry.Files
}

// NewStore creates the store and subscribes to the schema prefix. Every
// retained schema the server holds arrives as an initial value.
func NewStore(client *ntclient.Client, logger *slog.Logger, bus *events.Bus) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		client:   client,
		logger:   logger,
		bus:      bus,
		byKey:    make(map[string]*root),
		resolved: new(protoregistry.Files),
	}
	client.PrefixTopic(TopicPrefix).Subscribe(s.onSchemaValue, protocol.SubscriptionOptions{
		All: protocol.Bool(true),
	}, -1, true)
	return s
}

// onSchemaValue ingests one schema topic update.
func (s *Store) onSchemaValue(value any, params protocol.AnnounceParams) {
	b, ok := value.([]byte)
	if !ok {
		s.logger.Warn("schema topic carried non-raw value", "name", params.Name)
		return
	}
	fdp := &descriptorpb.FileDescriptorProto{}
	if err := proto.Unmarshal(b, fdp); err != nil {
		s.logger.Warn("undecodable schema payload", "name", params.Name, "error", err)
		return
	}
	if _, err := s.cache(fdp, params.Name); err != nil {
		s.logger.Warn("schema rejected", "name", params.Name, "error", err)
	}
}

// cache builds a descriptor root from fdp and stores it under the .proto
// filename and, when non-empty, the topic name. Re-publishing a filename
// replaces the old root.
func (s *Store) cache(fdp *descriptorpb.FileDescriptorProto, topicName string) (protoreflect.FileDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fd, err := protodesc.NewFile(fdp, s.resolverLocked())
	if err != nil {
		return nil, fmt.Errorf("%w: build descriptor %q: %v", ErrSchema, fdp.GetName(), err)
	}

	r := &root{key: fdp.GetName(), fd: fd}
	if old, ok := s.byKey[r.key]; ok {
		for i, existing := range s.roots {
			if existing == old {
				s.roots[i] = r
				break
			}
		}
	} else {
		s.roots = append(s.roots, r)
	}
	s.byKey[r.key] = r
	if topicName != "" {
		s.byKey[topicName] = r
	}
	// Registration can fail on a re-publish of the same path; the root
	// list above is authoritative for lookups, the registry only feeds
	// dependency resolution.
	if err := s.resolved.RegisterFile(fd); err != nil {
		s.logger.Debug("descriptor registry re-registration", "file", r.key, "error", err)
	}

	s.bus.Publish(events.Event{Source: events.SourceSchema, Kind: events.KindSchemaCached,
		Data: map[string]any{"name": r.key}})
	return fd, nil
}

// resolverLocked resolves descriptor dependencies from the cached roots
// first, then the compiled-in global registry.
func (s *Store) resolverLocked() protodesc.Resolver {
	return chainResolver{s.resolved, protoregistry.GlobalFiles}
}

type chainResolver []protodesc.Resolver

func (c chainResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	for _, r := range c {
		if fd, err := r.FindFileByPath(path); err == nil {
			return fd, nil
		}
	}
	return nil, protoregistry.NotFound
}

func (c chainResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	for _, r := range c {
		if d, err := r.FindDescriptorByName(name); err == nil {
			return d, nil
		}
	}
	return nil, protoregistry.NotFound
}

// FetchMessageType scans the cached roots in insertion order and returns a
// message type for the first root whose file defines name. Fails with
// ErrSchemaNotFound when no root does.
func (s *Store) FetchMessageType(name string) (protoreflect.MessageType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roots {
		if md := findMessage(r.fd.Messages(), protoreflect.FullName(name)); md != nil {
			return dynamicpb.NewMessageType(md), nil
		}
	}
	return nil, fmt.Errorf("message %q: %w", name, ErrSchemaNotFound)
}

// Root returns the cached descriptor under a filename or topic-name key.
func (s *Store) Root(key string) (protoreflect.FileDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	return r.fd, true
}

// RegisterSchema loads a serialized FileDescriptorProto or
// FileDescriptorSet from filePath, publishes it as a retained schema topic
// and caches the root locally. messageName selects the message the caller
// intends to use; it may be empty when the descriptor defines exactly one
// top-level message. Returns the resolved full message name and the cached
// file descriptor. Concurrent registrations of the same schema topic
// coalesce onto one in-flight operation.
func (s *Store) RegisterSchema(ctx context.Context, filePath, messageName string) (string, protoreflect.FileDescriptor, error) {
	fdp, err := loadDescriptorFile(filePath, messageName)
	if err != nil {
		return "", nil, err
	}

	base := filepath.Base(fdp.GetName())
	if base == "" || base == "." {
		base = filepath.Base(filePath)
	}
	topicName := TopicPrefix + base

	fullName, err := resolveMessageName(fdp, messageName)
	if err != nil {
		return "", nil, err
	}

	res, err := s.client.Registry().GetOrCreateInFlightOperation("schema:"+topicName, func() (any, error) {
		topic, err := s.client.Topic(topicName, nttype.Raw)
		if err != nil {
			return nil, err
		}
		topic.SetWireType(DescriptorWireType)
		if err := topic.Publish(ctx, protocol.Properties{Retained: protocol.Bool(true)}, -1); err != nil {
			return nil, fmt.Errorf("publish schema %q: %w", topicName, err)
		}

		encoded, err := proto.Marshal(fdp)
		if err != nil {
			return nil, fmt.Errorf("%w: encode descriptor: %v", ErrSchema, err)
		}
		if err := topic.SetValue(encoded); err != nil {
			return nil, fmt.Errorf("send schema %q: %w", topicName, err)
		}

		fd, err := s.cache(fdp, topicName)
		if err != nil {
			return nil, err
		}
		return fd, nil
	})
	if err != nil {
		return "", nil, err
	}
	return fullName, res.(protoreflect.FileDescriptor), nil
}

// loadDescriptorFile reads a descriptor file and returns the
// FileDescriptorProto to publish. A FileDescriptorSet picks the file
// defining messageName, falling back to the last file (protoc emits the
// main file last).
func loadDescriptorFile(filePath, messageName string) (*descriptorpb.FileDescriptorProto, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	set := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(data, set); err == nil && len(set.GetFile()) > 0 {
		if messageName != "" {
			for _, f := range set.GetFile() {
				if definesMessage(f, messageName) {
					return f, nil
				}
			}
		}
		return set.GetFile()[len(set.GetFile())-1], nil
	}

	fdp := &descriptorpb.FileDescriptorProto{}
	if err := proto.Unmarshal(data, fdp); err != nil || fdp.GetName() == "" {
		return nil, fmt.Errorf("%w: %s is neither a FileDescriptorSet nor a FileDescriptorProto", ErrSchema, filePath)
	}
	return fdp, nil
}

// resolveMessageName qualifies and verifies the requested message, or
// picks the sole top-level message when none was requested.
func resolveMessageName(fdp *descriptorpb.FileDescriptorProto, messageName string) (string, error) {
	pkg := fdp.GetPackage()
	if messageName == "" {
		if len(fdp.GetMessageType()) != 1 {
			return "", fmt.Errorf("%w: %s defines %d messages, message name required",
				ErrSchema, fdp.GetName(), len(fdp.GetMessageType()))
		}
		messageName = fdp.GetMessageType()[0].GetName()
	}
	if !strings.Contains(messageName, ".") && pkg != "" {
		messageName = pkg + "." + messageName
	}
	if !definesMessage(fdp, messageName) {
		return "", fmt.Errorf("%w: %s does not define %q", ErrSchema, fdp.GetName(), messageName)
	}
	return messageName, nil
}

// definesMessage reports whether the descriptor defines fullName at any
// nesting depth.
func definesMessage(fdp *descriptorpb.FileDescriptorProto, fullName string) bool {
	prefix := ""
	if pkg := fdp.GetPackage(); pkg != "" {
		prefix = pkg + "."
	}
	var walk func(prefix string, msgs []*descriptorpb.DescriptorProto) bool
	walk = func(prefix string, msgs []*descriptorpb.DescriptorProto) bool {
		for _, m := range msgs {
			name := prefix + m.GetName()
			if name == fullName {
				return true
			}
			if walk(name+".", m.GetNestedType()) {
				return true
			}
		}
		return false
	}
	return walk(prefix, fdp.GetMessageType())
}

// findMessage searches messages (and their nested messages) for fullName.
func findMessage(msgs protoreflect.MessageDescriptors, fullName protoreflect.FullName) protoreflect.MessageDescriptor {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.FullName() == fullName {
			return md
		}
		if nested := findMessage(md.Messages(), fullName); nested != nil {
			return nested
		}
	}
	return nil
}
