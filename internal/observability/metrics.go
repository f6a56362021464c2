package observability

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Counter names follow hostlink_<subsystem>_<event>_total.

func RecordFrameEncoded(bytes int) {
	metrics.GetOrCreateCounter("hostlink_codec_frames_encoded_total").Inc()
	metrics.GetOrCreateCounter("hostlink_codec_bytes_encoded_total").Add(bytes)
}

func RecordFrameDecoded(bytes int) {
	metrics.GetOrCreateCounter("hostlink_codec_frames_decoded_total").Inc()
	metrics.GetOrCreateCounter("hostlink_codec_bytes_decoded_total").Add(bytes)
}

func RecordDecodeError() {
	metrics.GetOrCreateCounter("hostlink_codec_decode_errors_total").Inc()
}

func RecordEncodeFieldDrop() {
	metrics.GetOrCreateCounter("hostlink_codec_field_drops_total").Inc()
}

func RecordFragmentSplit(parts int) {
	metrics.GetOrCreateCounter("hostlink_fragment_groups_split_total").Inc()
	metrics.GetOrCreateCounter("hostlink_fragment_parts_sent_total").Add(parts)
}

func RecordFragmentReassembled() {
	metrics.GetOrCreateCounter("hostlink_fragment_groups_reassembled_total").Inc()
}

func RecordFragmentDrop(reason string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`hostlink_fragment_drops_total{reason=%q}`, reason)).Inc()
}

func RecordRequest() {
	metrics.GetOrCreateCounter("hostlink_rpc_requests_total").Inc()
}

func RecordRequestTimeout() {
	metrics.GetOrCreateCounter("hostlink_rpc_timeouts_total").Inc()
}

func RecordRequestRejected() {
	metrics.GetOrCreateCounter("hostlink_rpc_rejected_total").Inc()
}

func RecordLateReply() {
	metrics.GetOrCreateCounter("hostlink_rpc_late_replies_total").Inc()
}

func RecordIdleDisconnect() {
	metrics.GetOrCreateCounter("hostlink_host_idle_disconnects_total").Inc()
}

func RecordReconnect() {
	metrics.GetOrCreateCounter("hostlink_host_reconnects_total").Inc()
}

func RecordRouted() {
	metrics.GetOrCreateCounter("hostlink_bus_routed_total").Inc()
}

func RecordBroadcast() {
	metrics.GetOrCreateCounter("hostlink_bus_broadcasts_total").Inc()
}
