package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/spotflow/device-sdk-go/pkg/test"
)

type ChannelTestSuite struct {
	test.Suite
	store *Store
}

func (s *ChannelTestSuite) SetupTest() {
	s.Suite.SetupTest()
	store, err := Open(s.TempDB(), testConfiguration())
	s.Require().NoError(err)
	s.store = store
}

func (s *ChannelTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *ChannelTestSuite) recvWithTimeout(receiver *Receiver[ReportedPropertiesUpdate]) *ReportedPropertiesUpdate {
	ctx, cancel := context.WithTimeout(s.Ctx, time.Second)
	defer cancel()
	rec, err := receiver.Recv(ctx)
	s.Require().NoError(err)
	return rec
}

func (s *ChannelTestSuite) TestDeliversInStoreOrder() {
	sender, receiver := NewChannel(s.store, ReportedPropertiesTable{})

	for i := 0; i < 5; i++ {
		update := ReportedPropertiesUpdate{UpdateType: ReportedUpdatePatch, Patch: `{}`}
		s.Require().NoError(sender.Send(&update))
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		rec := s.recvWithTimeout(receiver)
		s.Greater(rec.ID, lastID)
		lastID = rec.ID
		s.Require().NoError(receiver.Ack(rec))
	}

	count, err := receiver.Count()
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *ChannelTestSuite) TestRecvBlocksUntilSend() {
	sender, receiver := NewChannel(s.store, ReportedPropertiesTable{})

	received := make(chan *ReportedPropertiesUpdate, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rec, err := receiver.Recv(ctx)
		if err == nil {
			received <- rec
		}
	}()

	// Give the receiver a chance to park on the watch.
	time.Sleep(50 * time.Millisecond)

	update := ReportedPropertiesUpdate{UpdateType: ReportedUpdateFull, Patch: `{"a":1}`}
	s.Require().NoError(sender.Send(&update))

	select {
	case rec := <-received:
		s.Equal(`{"a":1}`, rec.Patch)
	case <-time.After(2 * time.Second):
		s.FailNow("receiver did not wake up after send")
	}
}

func (s *ChannelTestSuite) TestRecvCancellation() {
	_, receiver := NewChannel(s.store, ReportedPropertiesTable{})

	ctx, cancel := context.WithTimeout(s.Ctx, 50*time.Millisecond)
	defer cancel()

	_, err := receiver.Recv(ctx)
	s.Error(err)
}

// Unacknowledged records are delivered again by a fresh receiver, starting
// from the lowest identifier: at-least-once, never reordered.
func (s *ChannelTestSuite) TestUnackedRecordsRedelivered() {
	sender, receiver := NewChannel(s.store, ReportedPropertiesTable{})

	first := ReportedPropertiesUpdate{UpdateType: ReportedUpdatePatch, Patch: `{"n":1}`}
	second := ReportedPropertiesUpdate{UpdateType: ReportedUpdatePatch, Patch: `{"n":2}`}
	s.Require().NoError(sender.Send(&first))
	s.Require().NoError(sender.Send(&second))

	// Consume both but acknowledge only the first.
	rec := s.recvWithTimeout(receiver)
	s.Require().NoError(receiver.Ack(rec))
	_ = s.recvWithTimeout(receiver)

	// A new consumer (as after a restart) sees the unacknowledged record.
	_, fresh := NewChannel(s.store, ReportedPropertiesTable{})
	rec = s.recvWithTimeout(fresh)
	s.Equal(`{"n":2}`, rec.Patch)
}

func (s *ChannelTestSuite) TestCloudToDeviceProperties() {
	sender, receiver := NewChannel(s.store, CloudToDeviceTable{})

	msg := CloudToDeviceMessage{
		Content:    []byte("payload"),
		Properties: map[string]string{"key": "value", "other": ""},
	}
	s.Require().NoError(sender.Send(&msg))

	ctx, cancel := context.WithTimeout(s.Ctx, time.Second)
	defer cancel()
	rec, err := receiver.Recv(ctx)
	s.Require().NoError(err)

	s.Equal([]byte("payload"), rec.Content)
	s.Equal(map[string]string{"key": "value", "other": ""}, rec.Properties)

	s.Require().NoError(receiver.Ack(rec))

	count, err := receiver.Count()
	s.Require().NoError(err)
	s.Zero(count)
}

func TestChannelSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

type OutboxTestSuite struct {
	test.Suite
	store *Store
}

func (s *OutboxTestSuite) SetupTest() {
	s.Suite.SetupTest()
	store, err := Open(s.TempDB(), testConfiguration())
	s.Require().NoError(err)
	s.store = store
}

func (s *OutboxTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

// The pump hands out messages in the order they were stored (the outbox FIFO
// guarantee), including messages stored before the pump started.
func (s *OutboxTestSuite) TestPumpPreservesOrder() {
	for i := 0; i < 3; i++ {
		_, err := s.store.StoreMessage(&DeviceMessage{
			Content:     []byte{byte(i)},
			CloseOption: CloseOptionNone,
			Compression: CompressionNone,
		})
		s.Require().NoError(err)
	}

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	producer, consumer, acknowledger := StartOutbox(ctx, s.store)

	for i := 0; i < 3; i++ {
		msg, ok := consumer.Next(ctx)
		s.Require().True(ok)
		s.Equal([]byte{byte(i)}, msg.Content)
		s.Require().NoError(acknowledger.RemoveOldest())
	}

	s.Require().NoError(producer.Add(&DeviceMessage{
		Content:     []byte{9},
		CloseOption: CloseOptionNone,
		Compression: CompressionNone,
	}))

	msg, ok := consumer.Next(ctx)
	s.Require().True(ok)
	s.Equal([]byte{9}, msg.Content)

	count, err := producer.Count()
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func TestOutboxSuite(t *testing.T) {
	suite.Run(t, new(OutboxTestSuite))
}
