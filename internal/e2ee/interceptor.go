package e2ee

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// InterceptorFactory plugs a Pipeline into pion's interceptor registry, the
// lowest frame-level hook the transport exposes. Outbound RTP payloads are
// sealed before packetization hands them to the wire; inbound payloads are
// opened before the depacketizer sees them.
type InterceptorFactory struct {
	Pipeline *Pipeline
}

func (f *InterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &frameInterceptor{pipeline: f.Pipeline}, nil
}

type frameInterceptor struct {
	interceptor.NoOp
	pipeline *Pipeline
}

func (i *frameInterceptor) BindLocalStream(_ *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		frame := Frame{Timestamp: uint64(header.Timestamp), Data: payload}
		i.pipeline.EncryptFrame(&frame)
		return writer.Write(header, frame.Data, attributes)
	})
}

func (i *frameInterceptor) BindRemoteStream(_ *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return n, attr, err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(b[:n]); err != nil {
			// Not a parseable RTP packet; forward the bytes untouched.
			return n, attr, nil
		}

		frame := Frame{Timestamp: uint64(pkt.Timestamp), Data: pkt.Payload}
		i.pipeline.DecryptFrame(&frame)
		pkt.Payload = frame.Data

		// The payload only ever shrinks on successful decryption, so the
		// packet always fits back into the caller's buffer.
		out, err := pkt.Marshal()
		if err != nil {
			return n, attr, nil
		}
		copy(b, out)
		return len(out), attr, nil
	})
}
