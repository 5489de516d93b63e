package envelope

import (
	"testing"

	"nodepool/pkg/rpc"

	"github.com/stretchr/testify/suite"
)

type EnvelopeTestSuite struct {
	suite.Suite
	codec *Codec
}

func (s *EnvelopeTestSuite) SetupTest() {
	s.codec = NewCodec()
}

func (s *EnvelopeTestSuite) TestEncodeFramesTypeAndPayload() {
	data, err := s.codec.Encode(&GetInfoRequest{})
	s.Require().NoError(err)
	s.JSONEq(`{"type":"getInfoRequest","payload":{}}`, string(data))
}

func (s *EnvelopeTestSuite) TestDecodeKnownType() {
	msg, err := s.codec.Decode([]byte(`{"type":"getInfoResponse","payload":{"serverVersion":"0.14.1","isSynced":true,"isUtxoIndexed":true,"futureField":1}}`))
	s.Require().NoError(err)
	info, ok := msg.(*GetInfoResponse)
	s.Require().True(ok)
	s.Equal("0.14.1", info.ServerVersion)
	s.True(info.IsSynced)
	s.NoError(info.RPCError())
}

func (s *EnvelopeTestSuite) TestDecodeCarriesNodeError() {
	msg, err := s.codec.Decode([]byte(`{"type":"getPeerAddressesResponse","payload":{"error":{"message":"not allowed"}}}`))
	s.Require().NoError(err)
	carrier, ok := msg.(rpc.ErrorCarrier)
	s.Require().True(ok)
	s.EqualError(carrier.RPCError(), "node error: not allowed")
}

func (s *EnvelopeTestSuite) TestUnknownTypeDecodesAsRaw() {
	msg, err := s.codec.Decode([]byte(`{"type":"blockAddedNotification","payload":{"hash":"ab"}}`))
	s.Require().NoError(err)
	raw, ok := msg.(*Raw)
	s.Require().True(ok)
	s.Equal("blockAddedNotification", raw.Type())
	s.JSONEq(`{"hash":"ab"}`, string(raw.Payload))

	data, err := s.codec.Encode(raw)
	s.Require().NoError(err)
	s.JSONEq(`{"type":"blockAddedNotification","payload":{"hash":"ab"}}`, string(data))
}

func (s *EnvelopeTestSuite) TestMalformed() {
	_, err := s.codec.Decode([]byte(`not json`))
	s.ErrorIs(err, rpc.ErrMalformed)

	_, err = s.codec.Decode([]byte(`{"payload":{}}`))
	s.ErrorIs(err, rpc.ErrMalformed)

	_, err = s.codec.Decode([]byte(`{"type":"getInfoResponse","payload":{"isSynced":"yes"}}`))
	s.ErrorIs(err, rpc.ErrMalformed)
}

func TestEnvelopeTestSuite(t *testing.T) {
	suite.Run(t, new(EnvelopeTestSuite))
}
