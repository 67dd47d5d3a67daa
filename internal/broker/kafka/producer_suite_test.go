package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/PartSync/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type ProducerSuite struct {
	suite.Suite
	wm *writerMock
	p  *Producer
}

func (s *ProducerSuite) SetupTest() {
	s.wm = &writerMock{}
	s.p = newProducerWithWriter(s.wm)
}

func (s *ProducerSuite) TestPublishJSON_TrackingChangedKeyedByReference() {
	at := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	ev := messages.TrackingChanged{
		Type:           messages.TypeTrackingChanged,
		Carrier:        "ups",
		TrackingNumber: "1Z999",
		PreviousStatus: "In Transit",
		Status:         "Delivered",
		Delivered:      true,
		CheckedAt:      at,
	}

	s.wm.
		On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 || msgs[0].Topic != "partsync.changes" || string(msgs[0].Key) != "ups:1Z999" {
				return false
			}
			if len(msgs[0].Headers) != 1 || string(msgs[0].Headers[0].Value) != contentTypeJSON {
				return false
			}
			var got messages.TrackingChanged
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				return false
			}
			return got.Delivered && got.PreviousStatus == "In Transit" && got.CheckedAt.Equal(at)
		})).
		Return(nil).
		Once()

	s.Require().NoError(s.p.PublishJSON(context.Background(), "partsync.changes", "ups:1Z999", ev))
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestPublishJSON_UnmarshalableValue() {
	err := s.p.PublishJSON(context.Background(), "partsync.changes", "k", make(chan int))
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "marshal event")
	s.wm.AssertNotCalled(s.T(), "WriteMessages", mock.Anything, mock.Anything)
}

func (s *ProducerSuite) TestPublish_ErrorNamesTopic() {
	want := errors.New("broker down")
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).Return(want).Once()

	err := s.p.Publish(context.Background(), "partsync.changes", []byte("k"), []byte("v"))
	s.Require().ErrorIs(err, want)
	s.Require().Contains(err.Error(), "publish to partsync.changes")
	s.wm.AssertExpectations(s.T())
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}
