package transport

import "testing"

func TestDecodeNodeMessage_NodeRegister(t *testing.T) {
	data := []byte(`{
		"type":"node_register",
		"capabilities":{"asr_languages":["en"],"tts_languages":["zh"],"nmt":{"rule":"any_to_any","languages":["en","zh"]}},
		"hardware":{"gpus":["a100"]},
		"max_concurrency":4
	}`)
	msg, err := DecodeNodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reg, ok := msg.(NodeRegister)
	if !ok {
		t.Fatalf("msg = %T, want NodeRegister", msg)
	}
	if reg.MaxConcurrency != 4 || reg.Capabilities.NMT.Rule != "any_to_any" || len(reg.Hardware.GPUs) != 1 {
		t.Fatalf("decoded = %+v", reg)
	}
}

func TestDecodeNodeMessage_JobResult(t *testing.T) {
	data := []byte(`{"type":"job_result","job_id":"j1","text_asr":"hi","text_translated":"嗨"}`)
	msg, err := DecodeNodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, ok := msg.(JobResult)
	if !ok {
		t.Fatalf("msg = %T, want JobResult", msg)
	}
	if res.JobID != "j1" || res.TextTranslated != "嗨" {
		t.Fatalf("decoded = %+v", res)
	}
}

func TestDecodeNodeMessage_ModelNotAvailable(t *testing.T) {
	data := []byte(`{"type":"model_not_available","service_id":"tts-zh"}`)
	msg, err := DecodeNodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mna, ok := msg.(ModelNotAvailable)
	if !ok || mna.ServiceID != "tts-zh" {
		t.Fatalf("decoded = %+v, ok=%v", msg, ok)
	}
}

func TestDecodeNodeMessage_UnknownType(t *testing.T) {
	_, err := DecodeNodeMessage([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown node message type")
	}
}

func TestEncode_JobAssignRoundTrip(t *testing.T) {
	want := JobAssign{
		Type:              TypeJobAssign,
		JobID:             "j1",
		RequestID:         "r1",
		SourceSession:     "s1",
		SrcLang:           "en",
		TgtLang:           "zh",
		Pipeline:          PipelineFlags{ASR: true, NMT: true, TTS: true},
		Audio:             []byte{1, 2, 3},
		AudioFormat:       "pcm16",
		SampleRate:        16000,
		DispatchAttemptID: 1,
	}
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeNodeMessage(data); err == nil {
		t.Fatal("job_assign should not decode as a node inbound message")
	}

	got, err := unmarshalInto[JobAssign](data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.JobID != want.JobID || got.Pipeline != want.Pipeline || len(got.Audio) != 3 {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
}
