package jobtier_test

import (
	"encoding/json"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Messages", func() {
	Describe("DecodeSubmitMessage", func() {
		It("should accept submit_time as a number or a numeric string", func() {
			for _, body := range []string{
				`{"job_id":"J1","user_id":"U1","user_role":"free_user","submit_time":1000,"s3_inputs_bucket":"inputs","s3_key_input_file":"ns/U1/J1~a.vcf"}`,
				`{"job_id":"J1","user_id":"U1","user_role":"free_user","submit_time":"1000","s3_inputs_bucket":"inputs","s3_key_input_file":"ns/U1/J1~a.vcf"}`,
			} {
				m, err := jobtier.DecodeSubmitMessage([]byte(body))
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Key()).To(Equal(jobtier.JobKey{JobID: "J1", SubmitTime: 1000}))
				Expect(m.UserRole).To(Equal(jobtier.RoleFree))
				Expect(m.InputFileKey).To(Equal("ns/U1/J1~a.vcf"))
			}
		})

		It("should reject a message with a missing field", func() {
			_, err := jobtier.DecodeSubmitMessage([]byte(`{"job_id":"J1","submit_time":1000,"s3_inputs_bucket":"inputs","s3_key_input_file":"k"}`))
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})

		It("should reject a non-numeric submit_time", func() {
			_, err := jobtier.DecodeSubmitMessage([]byte(`{"job_id":"J1","user_id":"U1","submit_time":"soon","s3_inputs_bucket":"inputs","s3_key_input_file":"k"}`))
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})

		It("should reject malformed JSON", func() {
			_, err := jobtier.DecodeSubmitMessage([]byte(`{"job_id":`))
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})

		It("should reject ids that are not a single path segment", func() {
			for _, id := range []string{".", "..", "a/b", `a\\b`, "../U2"} {
				for _, body := range []string{
					`{"job_id":"` + id + `","user_id":"U1","submit_time":1000,"s3_inputs_bucket":"inputs","s3_key_input_file":"k"}`,
					`{"job_id":"J1","user_id":"` + id + `","submit_time":1000,"s3_inputs_bucket":"inputs","s3_key_input_file":"k"}`,
				} {
					_, err := jobtier.DecodeSubmitMessage([]byte(body))
					Expect(err).To(MatchError(jobtier.ErrInvalidMessage), body)
				}
			}
		})

		It("should accept ids that merely contain dots", func() {
			for _, id := range []string{"...", ".hidden", "..x", "a.b"} {
				m, err := jobtier.DecodeSubmitMessage([]byte(`{"job_id":"` + id + `","user_id":"U1","submit_time":1000,"s3_inputs_bucket":"inputs","s3_key_input_file":"k"}`))
				Expect(err).NotTo(HaveOccurred(), id)
				Expect(m.JobID).To(Equal(id))
			}
		})

		It("should unwrap a topic envelope", func() {
			inner := `{"job_id":"J1","user_id":"U1","submit_time":1000,"s3_inputs_bucket":"inputs","s3_key_input_file":"k"}`
			env, err := json.Marshal(map[string]string{"Type": "Notification", "Message": inner})
			Expect(err).NotTo(HaveOccurred())

			m, err := jobtier.DecodeSubmitMessage(env)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.JobID).To(Equal("J1"))
		})
	})

	Describe("DecodeArchiveRequest", func() {
		It("should accept a completion event", func() {
			body := mustEncode(jobtier.CompletionEvent{
				JobID: "J1", SubmitTime: 1000, UserID: "U1", UserRole: jobtier.RoleFree, Status: jobtier.JobStatusCompleted,
			})
			m, err := jobtier.DecodeArchiveRequest(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Key()).To(Equal(jobtier.JobKey{JobID: "J1", SubmitTime: 1000}))
			Expect(m.UserID).To(Equal("U1"))
		})

		It("should require a job id", func() {
			_, err := jobtier.DecodeArchiveRequest([]byte(`{"submit_time":1000}`))
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})
	})

	Describe("DecodeThawRequest", func() {
		It("should require a non-empty user id", func() {
			m, err := jobtier.DecodeThawRequest([]byte(`{"user_id":"U1"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.UserID).To(Equal("U1"))

			_, err = jobtier.DecodeThawRequest([]byte(`{"user_id":""}`))
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})
	})

	Describe("DecodeVaultNotification", func() {
		desc := jobtier.JobDescription{
			JobID: "J1", ArchiveID: "A1", SubmitTime: 1000, UserID: "U1", ResultFileKey: "ns/U1/a.annot.vcf",
		}

		It("should decode a description carried as a string", func() {
			field, err := jobtier.NewJobDescriptionField(desc)
			Expect(err).NotTo(HaveOccurred())
			body := mustEncode(jobtier.VaultNotification{
				JobID: "R1", Completed: true, StatusCode: jobtier.RetrievalSucceeded, JobDescription: field,
			})

			n, err := jobtier.DecodeVaultNotification(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(n.JobID).To(Equal("R1"))

			got, err := n.JobDescription.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(*got).To(Equal(desc))
		})

		It("should decode a description embedded as an object", func() {
			body := []byte(`{"JobId":"R1","Completed":true,"StatusCode":"Succeeded","JobDescription":{"job_id":"J1","archive_id":"A1","submit_time":"1000","user_id":"U1","s3_key_result_file":"ns/U1/a.annot.vcf"}}`)

			n, err := jobtier.DecodeVaultNotification(body)
			Expect(err).NotTo(HaveOccurred())
			got, err := n.JobDescription.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Key()).To(Equal(jobtier.JobKey{JobID: "J1", SubmitTime: 1000}))
			Expect(got.ArchiveID).To(Equal("A1"))
		})

		It("should reject a description without an archive id", func() {
			body := []byte(`{"JobId":"R1","JobDescription":"{\"job_id\":\"J1\",\"submit_time\":1000,\"user_id\":\"U1\",\"s3_key_result_file\":\"k\"}"}`)

			n, err := jobtier.DecodeVaultNotification(body)
			Expect(err).NotTo(HaveOccurred())
			_, err = n.JobDescription.Decode()
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})

		It("should reject a notification without a job id", func() {
			_, err := jobtier.DecodeVaultNotification([]byte(`{"JobDescription":"{}"}`))
			Expect(err).To(MatchError(jobtier.ErrInvalidMessage))
		})
	})

	Describe("EpochSeconds", func() {
		It("should always encode as a number", func() {
			b, err := json.Marshal(jobtier.ArchiveRequest{JobID: "J1", SubmitTime: 1000})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b)).To(ContainSubstring(`"submit_time":1000`))
		})
	})
})
